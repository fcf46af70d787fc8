package handlers

import (
	"log"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/mossy-p/support-signaling/internal/middleware"
	"github.com/mossy-p/support-signaling/internal/models"
)

// Login handles user login and JWT generation
// For demo purposes, accepts any username/password combination
func Login(jwtSecret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req models.LoginRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{
				"error": "Invalid request body",
			})
			return
		}

		// For demo: accept any username/password
		// In production, validate against a user database
		userID := req.Username
		name := req.Name
		if name == "" {
			name = req.Username
		}
		role := req.Role
		if role == "" {
			role = middleware.RoleUser
		}

		token, err := IssueToken(jwtSecret, userID, name, role, 24*time.Hour)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{
				"error": "Failed to generate token",
			})
			return
		}
		log.Printf("Issued %s token for %s", role, userID)

		c.JSON(http.StatusOK, models.LoginResponse{
			Token:  token,
			UserID: userID,
			Name:   name,
			Role:   role,
		})
	}
}

// IssueToken signs a profile token valid for ttl.
func IssueToken(jwtSecret, userID, name, role string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := middleware.JWTClaims{
		UserID: userID,
		Name:   name,
		Role:   role,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(jwtSecret))
}
