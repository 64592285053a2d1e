package auth

import "testing"

func TestHashAndVerifyPassword(t *testing.T) {
	hash, err := HashPassword("correct horse battery staple")
	if err != nil {
		t.Fatalf("HashPassword: %v", err)
	}
	if hash == "correct horse battery staple" {
		t.Fatal("hash equals plaintext")
	}
	if err := VerifyPassword(hash, "correct horse battery staple"); err != nil {
		t.Fatalf("VerifyPassword: %v", err)
	}
	if err := VerifyPassword(hash, "wrong"); err == nil {
		t.Fatal("expected mismatch error")
	}
}

func TestHashPasswordEmpty(t *testing.T) {
	if _, err := HashPassword(""); err == nil {
		t.Fatal("expected error for empty password")
	}
}

func TestOTPShape(t *testing.T) {
	for i := 0; i < 50; i++ {
		code, err := newOTP()
		if err != nil {
			t.Fatalf("newOTP: %v", err)
		}
		if len(code) != 6 {
			t.Fatalf("otp %q is not 6 digits", code)
		}
		if code[0] < '1' || code[0] > '9' {
			t.Fatalf("otp %q outside [100000, 999999]", code)
		}
	}
}
