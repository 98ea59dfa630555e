package auth

import (
	"testing"
	"time"
)

func TestIssueAndParse(t *testing.T) {
	token, exp, err := Issue("u1", "teacher", "rollcall", "test-key", time.Hour)
	if err != nil {
		t.Fatalf("Issue() error = %v", err)
	}
	if !exp.After(time.Now()) {
		t.Error("expiry not in the future")
	}

	claims, err := Parse(token, "test-key", "rollcall")
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if claims.Subject != "u1" || claims.Role != "teacher" {
		t.Errorf("claims = %+v", claims)
	}
}

func TestParseRejects(t *testing.T) {
	token, _, _ := Issue("u1", "teacher", "rollcall", "test-key", time.Hour)
	expired, _, _ := Issue("u1", "teacher", "rollcall", "test-key", -time.Minute)

	tests := []struct {
		name   string
		token  string
		key    string
		issuer string
	}{
		{"wrong key", token, "other-key", "rollcall"},
		{"wrong issuer", token, "test-key", "someone-else"},
		{"expired", expired, "test-key", "rollcall"},
		{"garbage", "not.a.jwt", "test-key", "rollcall"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Parse(tt.token, tt.key, tt.issuer); err == nil {
				t.Error("Parse() accepted invalid token")
			}
		})
	}
}
