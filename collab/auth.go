package collab

import (
	"errors"

	gojwt "github.com/golang-jwt/jwt/v5"
)

// AuthToken is the identity carried by the session bearer jwt. Verification
// happens upstream at the auth service; surfaces here parse the claims
// unverified to denormalize identity onto locks and presence.
type AuthToken struct {
	UserId      string
	DisplayName string
	Color       string
	CanvasId    string
}

func ParseAuthTokenUnverified(jwt string) (*AuthToken, error) {
	parser := gojwt.NewParser()
	token, _, err := parser.ParseUnverified(jwt, gojwt.MapClaims{})
	if err != nil {
		return nil, err
	}

	claims, ok := token.Claims.(gojwt.MapClaims)
	if !ok {
		return nil, errors.New("unexpected jwt claims")
	}

	authToken := &AuthToken{}

	if userId, ok := claims["user_id"].(string); ok {
		authToken.UserId = userId
	}
	if displayName, ok := claims["display_name"].(string); ok {
		authToken.DisplayName = displayName
	}
	if color, ok := claims["color"].(string); ok {
		authToken.Color = color
	}
	if canvasId, ok := claims["canvas_id"].(string); ok {
		authToken.CanvasId = canvasId
	}

	if authToken.UserId == "" {
		return nil, errors.New("jwt missing user_id")
	}
	return authToken, nil
}

func (self *AuthToken) User() *SessionUser {
	return &SessionUser{
		UserId:      self.UserId,
		DisplayName: self.DisplayName,
		Color:       self.Color,
	}
}
