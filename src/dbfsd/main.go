// dbfsd mounts a MySQL database as a FUSE filesystem: databases become
// directories, tables become directories, primary-key values become
// directories, and columns become regular files holding one cell's text.
//
//	@title			dbfsd diagnostics API
//	@version		1.0
//	@description	Optional read-mostly introspection endpoints for a running dbfsd mount.
//
//	@host		127.0.0.1:9469
//	@BasePath	/
//	@schemes	http
//
//	@securityDefinitions.apikey BearerAuth
//	@in header
//	@name Authorization
//	@description Bearer token authentication. Prefix the token with "Bearer ".
package main

import (
	"github.com/bitswalk/dbfsd/src/dbfsd/core"
)

func main() {
	core.Execute()
}
