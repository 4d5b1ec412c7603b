package main

import "testing"

func TestTokenRoundTrip(t *testing.T) {
	issuer := &tokenIssuer{secret: []byte("secret")}

	for _, tokenType := range []string{tokenTypeAccess, tokenTypeRefresh} {
		signed, err := issuer.Issue("123456789012", tokenType)
		if err != nil {
			t.Fatalf("issue %s: %v", tokenType, err)
		}
		uid, gotType, err := issuer.Parse(signed)
		if err != nil {
			t.Fatalf("parse %s: %v", tokenType, err)
		}
		if uid != "123456789012" || gotType != tokenType {
			t.Fatalf("parsed uid=%q type=%q", uid, gotType)
		}
	}
}

func TestParseRejectsForeignSecret(t *testing.T) {
	signed, err := (&tokenIssuer{secret: []byte("theirs")}).Issue("123456789012", tokenTypeAccess)
	if err != nil {
		t.Fatal(err)
	}
	if _, _, err := (&tokenIssuer{secret: []byte("ours")}).Parse(signed); err == nil {
		t.Fatal("token signed with a different secret parsed cleanly")
	}
}

func TestParseRejectsGarbage(t *testing.T) {
	if _, _, err := (&tokenIssuer{secret: []byte("s")}).Parse("not.a.jwt"); err == nil {
		t.Fatal("garbage token parsed cleanly")
	}
}
