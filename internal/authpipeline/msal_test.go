package authpipeline

import "testing"

func TestNewMSALProviderRejectsEmptyClientID(t *testing.T) {
	_, err := NewMSALProvider("", NewIdentityCache(), nil)
	if err == nil {
		t.Fatal("expected error for empty client id")
	}
}

func TestNewMSALProviderAccepts(t *testing.T) {
	p, err := NewMSALProvider("abc-123", NewIdentityCache(), nil)
	if err != nil {
		t.Fatalf("NewMSALProvider: %v", err)
	}
	if p.config.ClientID != "abc-123" {
		t.Fatalf("client id = %q", p.config.ClientID)
	}
}
