package server

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
)

const contextKeyUserID = "session_user_id"

// sessionClaims is the JWT payload the frontend session carries.
type sessionClaims struct {
	UserID string `json:"uid"`
	jwt.RegisteredClaims
}

type sessionValidator struct {
	signingKey []byte
	issuer     string
	cookieName string
}

func newSessionValidator(signingKey []byte, issuer string, cookieName string) *sessionValidator {
	return &sessionValidator{signingKey: signingKey, issuer: issuer, cookieName: cookieName}
}

// GinMiddleware authenticates the request from the session cookie or a
// bearer token and stores the user id on the gin context.
func (validator *sessionValidator) GinMiddleware() gin.HandlerFunc {
	return func(ctx *gin.Context) {
		token := validator.extractToken(ctx)
		if token == "" {
			ctx.AbortWithStatusJSON(http.StatusUnauthorized, errorResponse("unauthorized", "missing session"))
			return
		}
		claims := &sessionClaims{}
		parsed, err := jwt.ParseWithClaims(token, claims, func(token *jwt.Token) (interface{}, error) {
			return validator.signingKey, nil
		},
			jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
			jwt.WithIssuer(validator.issuer),
		)
		if err != nil || !parsed.Valid || strings.TrimSpace(claims.UserID) == "" {
			ctx.AbortWithStatusJSON(http.StatusUnauthorized, errorResponse("unauthorized", "invalid session"))
			return
		}
		ctx.Set(contextKeyUserID, claims.UserID)
		ctx.Next()
	}
}

func (validator *sessionValidator) extractToken(ctx *gin.Context) string {
	if cookie, err := ctx.Cookie(validator.cookieName); err == nil && cookie != "" {
		return cookie
	}
	authorization := ctx.GetHeader("Authorization")
	if strings.HasPrefix(authorization, "Bearer ") {
		return strings.TrimPrefix(authorization, "Bearer ")
	}
	return ""
}

func sessionUserID(ctx *gin.Context) string {
	value, ok := ctx.Get(contextKeyUserID)
	if !ok {
		return ""
	}
	userID, _ := value.(string)
	return userID
}
