// Package main is a development utility that generates the secrets the
// service needs: the ENCRYPTION_KEY protecting stored SCM credentials, the
// JWT signing secret, and the OAuth state secret. Run it once per environment
// and place the values in the deployment's secret store:
//
//	go run scripts/generate-key.go
//
// ENCRYPTION_KEY is printed as exactly 32 printable characters because the
// cipher takes the raw bytes of the environment variable as the AES-256 key.
// Rotating it invalidates every stored token; users must re-authorize.
package main

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"log"
)

func randomString(rawBytes int) string {
	buf := make([]byte, rawBytes)
	if _, err := rand.Read(buf); err != nil {
		log.Fatal(err)
	}
	return base64.RawURLEncoding.EncodeToString(buf)
}

func main() {
	// 24 random bytes encode to exactly 32 base64url characters.
	encryptionKey := randomString(24)
	jwtSecret := randomString(48)
	stateSecret := randomString(32)

	fmt.Println("==========================================================")
	fmt.Println("Generated secrets")
	fmt.Println("==========================================================")
	fmt.Printf("\nENCRYPTION_KEY=%s\n", encryptionKey)
	fmt.Printf("TRS_AUTH_JWT_SECRET=%s\n", jwtSecret)
	fmt.Printf("TRS_SCM_STATE_SECRET=%s\n", stateSecret)
	fmt.Println("\n==========================================================")
	fmt.Println("Store these in your secret manager; they are not recoverable.")
	fmt.Println("Rotating ENCRYPTION_KEY invalidates all stored SCM tokens.")
	fmt.Println("==========================================================")
}
