// Package diag is dbfsd's optional diagnostics HTTP API: a gin server
// bound to 127.0.0.1, bearer-token protected, that reports mount/cache
// health and offers one cache-invalidate escape hatch. It is pure
// read-only introspection plus that one operator action — it never
// touches the mounted filesystem's semantics.
package diag

import (
	"context"
	"crypto/rand"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"
	"golang.org/x/crypto/bcrypt"

	"github.com/bitswalk/dbfsd/src/common/logs"
	_ "github.com/bitswalk/dbfsd/src/dbfsd/diag/docs"
	"github.com/bitswalk/dbfsd/src/dbfsd/schema"
)

// StatsProvider is the cache-store surface diag needs: a count of
// persisted entries. cachestore.Store satisfies it; tests can fake it.
type StatsProvider interface {
	Count() (int, error)
}

// Flags is the subset of the configuration bundle diag's /v1/stats
// reports, passed in rather than importing the config package to avoid
// an import cycle (core imports both diag and config).
type Flags struct {
	ReadOnly        bool
	Force           bool
	UseCorrectCodes bool
}

// Config configures the diagnostics server.
type Config struct {
	Port       int
	PrintToken bool
}

// Server wraps the gin HTTP server and the JWT secret it was minted with.
type Server struct {
	httpServer *http.Server
	secret     []byte
	secretHash []byte
}

// Start mints a fresh per-process JWT signing secret (mirroring ldfd's
// JWTService.generateSecretKey — here no SettingsStore persists it across
// restarts, since a diagnostics token is only ever useful for the
// lifetime of the mount it describes), logs the bearer token once at
// info level, and begins serving on 127.0.0.1:cfg.Port.
func Start(cfg Config, refl *schema.Reflector, store StatsProvider, flags Flags, log *logs.Logger) (*Server, error) {
	secret := generateSecret()
	secretHash, err := bcrypt.GenerateFromPassword(secret, bcrypt.DefaultCost)
	if err != nil {
		return nil, fmt.Errorf("hash diagnostics secret: %w", err)
	}

	token, err := mintToken(secret)
	if err != nil {
		return nil, fmt.Errorf("mint diagnostics token: %w", err)
	}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	router.GET("/healthz", healthzHandler)

	authorized := router.Group("/v1")
	authorized.Use(bearerAuth(secret))
	authorized.GET("/stats", statsHandler(refl, store, flags))
	authorized.POST("/cache/invalidate", invalidateHandler(refl, store, log))

	router.GET("/swagger/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))

	addr := fmt.Sprintf("127.0.0.1:%d", cfg.Port)
	httpServer := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("diagnostics server error", "error", err)
		}
	}()

	log.Info("diagnostics API listening", "address", addr, "bearer_token", token)
	if cfg.PrintToken {
		fmt.Println("dbfsd diagnostics bearer token:", token)
	}

	return &Server{httpServer: httpServer, secret: secret, secretHash: secretHash}, nil
}

// Shutdown gracefully stops the diagnostics HTTP listener.
func (s *Server) Shutdown(ctx context.Context) error {
	if s == nil || s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

// generateSecret produces a random 256-bit HMAC key, the same size
// ldfd's generateSecretKey uses for its JWT secret.
func generateSecret() []byte {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		// crypto/rand failing means the system entropy source is broken;
		// a fixed fallback at least keeps the process from panicking.
		return []byte("dbfsd-diagnostics-fallback-secret-change-me")
	}
	return buf
}

type diagClaims struct {
	jwt.RegisteredClaims
}

func mintToken(secret []byte) (string, error) {
	now := time.Now().UTC()
	claims := diagClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.New().String(),
			Issuer:    "dbfsd",
			Subject:   "diagnostics",
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(secret)
}

// bearerAuth validates the Authorization: Bearer <token> header against
// secret, the same header-parsing idiom ldfd's auth handlers use
// (strings.CutPrefix(header, "Bearer ")).
func bearerAuth(secret []byte) gin.HandlerFunc {
	return func(c *gin.Context) {
		raw, ok := strings.CutPrefix(c.GetHeader("Authorization"), "Bearer ")
		if !ok || raw == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing bearer token"})
			return
		}

		token, err := jwt.ParseWithClaims(raw, &diagClaims{}, func(t *jwt.Token) (interface{}, error) {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
			}
			return secret, nil
		})
		if err != nil || !token.Valid {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid bearer token"})
			return
		}

		c.Next()
	}
}

// healthzHandler reports liveness with no authentication required.
//
//	@Summary	Liveness probe
//	@Success	200	{object}	map[string]string
//	@Router		/healthz [get]
func healthzHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// statsHandler reports cache/connection health.
//
//	@Summary	Cache and mount statistics
//	@Security	BearerAuth
//	@Success	200	{object}	map[string]any
//	@Router		/v1/stats [get]
func statsHandler(refl *schema.Reflector, store StatsProvider, flags Flags) gin.HandlerFunc {
	return func(c *gin.Context) {
		inMemory := len(refl.Snapshot())
		persisted := 0
		if store != nil {
			if n, err := store.Count(); err == nil {
				persisted = n
			}
		}
		c.JSON(http.StatusOK, gin.H{
			"cached_entries":    inMemory,
			"persisted_entries": persisted,
			"read_only":         flags.ReadOnly,
			"force":             flags.Force,
			"use_correct_codes": flags.UseCorrectCodes,
		})
	}
}

// invalidateHandler clears the in-process reflector cache, the operator
// escape hatch mirroring dbfs's own mkdir/rmdir-triggered invalidation.
//
//	@Summary	Invalidate the in-process schema cache
//	@Security	BearerAuth
//	@Param		db	query	string	false	"limit invalidation to a single database"
//	@Success	200	{object}	map[string]string
//	@Router		/v1/cache/invalidate [post]
func invalidateHandler(refl *schema.Reflector, store StatsProvider, log *logs.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		db := c.Query("db")
		if db != "" {
			refl.Invalidate(db)
		} else {
			refl.InvalidateAll()
		}
		log.Info("diagnostics cache invalidation", "db", db)
		c.JSON(http.StatusOK, gin.H{"status": "invalidated"})
	}
}
