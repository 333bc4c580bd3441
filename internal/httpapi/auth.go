package httpapi

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"

	"github.com/botbazaar/tokenledger/pkg/ledger"
)

const (
	authorizationHeader = "Authorization"
	serviceTokenHeader  = "X-Service-Token"
	bearerPrefix        = "Bearer "

	contextKeyActor = "session_actor"

	roleAdmin = "admin"
)

// sessionClaims is the shape of the session token minted by the auth layer.
// sub carries the user id; role distinguishes operators from buyers.
type sessionClaims struct {
	Role string `json:"role"`
	jwt.RegisteredClaims
}

// authenticated validates the bearer session token and stores the resulting
// actor on the request context.
func authenticated(signingKey []byte) gin.HandlerFunc {
	return func(ginContext *gin.Context) {
		header := strings.TrimSpace(ginContext.GetHeader(authorizationHeader))
		if !strings.HasPrefix(header, bearerPrefix) {
			abortUnauthorized(ginContext, "missing bearer token")
			return
		}
		claims := &sessionClaims{}
		token, err := jwt.ParseWithClaims(
			strings.TrimSpace(strings.TrimPrefix(header, bearerPrefix)),
			claims,
			func(token *jwt.Token) (any, error) {
				if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
					return nil, fmt.Errorf("unexpected signing method %v", token.Header["alg"])
				}
				return signingKey, nil
			},
			jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		)
		if err != nil || !token.Valid {
			abortUnauthorized(ginContext, "invalid session token")
			return
		}
		kind := ledger.ActorUser
		if claims.Role == roleAdmin {
			kind = ledger.ActorAdmin
		}
		actor, err := ledger.NewActor(kind, claims.Subject)
		if err != nil {
			abortUnauthorized(ginContext, "invalid session token")
			return
		}
		ginContext.Set(contextKeyActor, actor)
		ginContext.Next()
	}
}

// adminOnly gates a route group to actors with the admin role. It must run
// after authenticated.
func adminOnly() gin.HandlerFunc {
	return func(ginContext *gin.Context) {
		actor, ok := actorFrom(ginContext)
		if !ok {
			abortUnauthorized(ginContext, "missing session")
			return
		}
		if actor.Kind != ledger.ActorAdmin {
			ginContext.AbortWithStatusJSON(http.StatusForbidden, errorResponse("forbidden", "admin role required"))
			return
		}
		ginContext.Next()
	}
}

func actorFrom(ginContext *gin.Context) (ledger.Actor, bool) {
	value, ok := ginContext.Get(contextKeyActor)
	if !ok {
		return ledger.Actor{}, false
	}
	actor, ok := value.(ledger.Actor)
	return actor, ok
}

func abortUnauthorized(ginContext *gin.Context, message string) {
	ginContext.AbortWithStatusJSON(http.StatusUnauthorized, errorResponse("unauthorized", message))
}
