package usercontext

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestUserContext_ActorID(t *testing.T) {
	tests := []struct {
		name string
		ctx  UserContext
		want string
	}{
		{"anonymous", UserContext{}, ""},
		{"logged in", UserContext{UserID: 12, IsLoggedIn: true}, "12"},
		{"missing id", UserContext{IsLoggedIn: true}, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.ctx.ActorID())
		})
	}
}
