package main

import (
	"fmt"
	"os"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// AdminJWTClaims mirrors the claims the backend issues on admin login.
type AdminJWTClaims struct {
	Username string `json:"username"`
	Role     string `json:"role"`
	jwt.RegisteredClaims
}

func main() {
	// Same resolution as the login handler: env first, then the default.
	secret := os.Getenv("ADMIN_JWT_SECRET")
	if secret == "" {
		secret = "hub-admin-jwt-secret-key-2025-default-change-me"
	}

	username := os.Getenv("ADMIN_USERNAME")
	if username == "" {
		username = "admin"
	}

	now := time.Now()
	claims := AdminJWTClaims{
		Username: username,
		Role:     "admin",
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(now.Add(24 * time.Hour)),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			Issuer:    "hub-backend-admin",
			Subject:   username,
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	tokenString, err := token.SignedString([]byte(secret))
	if err != nil {
		fmt.Printf("Error generating token: %v\n", err)
		os.Exit(1)
	}

	fmt.Println("============================================================")
	fmt.Println("Admin JWT Token Generated for Testing")
	fmt.Println("============================================================")
	fmt.Println()
	fmt.Println("Token:")
	fmt.Println(tokenString)
	fmt.Println()
	fmt.Println("Claims:")
	fmt.Printf("  Username: %s\n", username)
	fmt.Printf("  Role:     admin\n")
	fmt.Printf("  Expires:  %s\n", claims.ExpiresAt.Time)
	fmt.Println()
	fmt.Println("Usage:")
	fmt.Println()
	fmt.Printf("curl -H 'Authorization: Bearer %s' http://localhost:8080/api/v1/admin/transfers\n", tokenString)
}
