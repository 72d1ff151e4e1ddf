package canvas

import (
	gojwt "github.com/golang-jwt/jwt/v5"
)

// A Session is passed explicitly into the api client and the realtime
// controller. There is no ambient global session state.
//
// The jwt is attached as the bearer token on every call. When no user is
// signed in, the anon key is attached instead, which the platform accepts
// for public projects.
type Session struct {
	ApiUrl string
	Jwt    string
	// public fallback key used when Jwt is empty
	AnonKey string
}

func NewSession(apiUrl string, jwt string, anonKey string) *Session {
	return &Session{
		ApiUrl:  apiUrl,
		Jwt:     jwt,
		AnonKey: anonKey,
	}
}

func (self *Session) BearerToken() string {
	if self.Jwt != "" {
		return self.Jwt
	}
	return self.AnonKey
}

type SessionUser struct {
	UserId   string
	UserName string
}

// identity claims parsed without verification.
// the platform verifies the token; the client only needs the identity
// for presence records and activity attribution
func (self *Session) User() *SessionUser {
	user := &SessionUser{
		UserId:   "anonymous",
		UserName: "Anonymous",
	}
	if self.Jwt == "" {
		return user
	}

	parser := gojwt.NewParser()
	token, _, err := parser.ParseUnverified(self.Jwt, gojwt.MapClaims{})
	if err != nil {
		return user
	}
	claims, ok := token.Claims.(gojwt.MapClaims)
	if !ok {
		return user
	}

	if userId, ok := claims["user_id"].(string); ok {
		user.UserId = userId
	} else if sub, ok := claims["sub"].(string); ok {
		user.UserId = sub
	}
	if userName, ok := claims["user_name"].(string); ok {
		user.UserName = userName
	} else if name, ok := claims["name"].(string); ok {
		user.UserName = name
	} else if email, ok := claims["email"].(string); ok {
		user.UserName = email
	}
	return user
}
