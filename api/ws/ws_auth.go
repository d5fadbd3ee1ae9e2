package ws

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var errTokenBoardMismatch = errors.New("token issued for a different board")

// CreateBoardToken mints the token a canvas client presents when opening the
// websocket. Scoped to one board and one device.
func CreateBoardToken(secret []byte, boardId string, deviceId string) (string, error) {
	claims := jwt.MapClaims{
		"boardId":  boardId,
		"deviceId": deviceId,
		"exp":      time.Now().Add(24 * time.Hour).Unix(),
		"iat":      time.Now().Unix(),
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signedToken, err := token.SignedString(secret)
	if err != nil {
		return "", err
	}

	return signedToken, nil
}

// VerifyBoardToken validates a board token and returns its board and device
// claims.
func VerifyBoardToken(secret []byte, tokenString string) (string, string, error) {
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (any, error) {
		return secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return "", "", err
	}

	if !token.Valid {
		return "", "", errors.New("invalid token")
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return "", "", errors.New("invalid token claims")
	}

	boardId, ok := claims["boardId"].(string)
	if !ok {
		return "", "", errors.New("missing boardId claim")
	}

	deviceId, ok := claims["deviceId"].(string)
	if !ok {
		return "", "", errors.New("missing deviceId claim")
	}

	return boardId, deviceId, nil
}
