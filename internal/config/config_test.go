package config

import (
	"os"
	"strings"
	"testing"

	"github.com/gagliardetto/solana-go"
	"github.com/spf13/viper"
)

func TestLoadConfig_Defaults(t *testing.T) {
	viper.Reset()
	t.Cleanup(viper.Reset)

	for _, key := range []string{"SERVER_PORT", "PORT", "SPONSOR_CREDIT_COST", "VERIFY_MAX_ATTEMPTS", "ALLOW_HEURISTIC_VERIFICATION", "STORE_DRIVER"} {
		unsetEnvWithCleanup(t, key)
	}

	cfg, err := LoadConfig(t.TempDir())
	if err != nil {
		t.Fatalf("LoadConfig returned error: %v", err)
	}
	if cfg.ServerPort != "8085" {
		t.Fatalf("expected default port 8085, got %q", cfg.ServerPort)
	}
	if cfg.SponsorCreditCost != 10000 {
		t.Fatalf("expected default credit cost 10000, got %d", cfg.SponsorCreditCost)
	}
	if cfg.VerifyMaxAttempts != 5 || cfg.VerifyInitialDelay().Milliseconds() != 2000 || cfg.VerifyRetryDelay().Milliseconds() != 1000 {
		t.Fatalf("unexpected verify defaults %d/%v/%v", cfg.VerifyMaxAttempts, cfg.VerifyInitialDelay(), cfg.VerifyRetryDelay())
	}
	if cfg.AllowHeuristicVerification {
		t.Fatalf("expected heuristic verification to be off by default")
	}
	if cfg.StoreDriver != "postgres" {
		t.Fatalf("expected postgres store driver, got %q", cfg.StoreDriver)
	}
}

func TestLoadConfig_PortOverridesServerPort(t *testing.T) {
	viper.Reset()
	t.Cleanup(viper.Reset)

	setEnvWithCleanup(t, "SERVER_PORT", "9000")
	setEnvWithCleanup(t, "PORT", "9100")

	cfg, err := LoadConfig(t.TempDir())
	if err != nil {
		t.Fatalf("LoadConfig returned error: %v", err)
	}
	if cfg.ServerPort != "9100" {
		t.Fatalf("expected PORT to win, got %q", cfg.ServerPort)
	}
}

func TestLoadConfig_CoercesNumericAndBoolEnv(t *testing.T) {
	viper.Reset()
	t.Cleanup(viper.Reset)

	setEnvWithCleanup(t, "MIN_PAYMENT_AMOUNT", "250000")
	setEnvWithCleanup(t, "ALLOW_HEURISTIC_VERIFICATION", "true")
	setEnvWithCleanup(t, "VERIFY_MAX_ATTEMPTS", "0")

	cfg, err := LoadConfig(t.TempDir())
	if err != nil {
		t.Fatalf("LoadConfig returned error: %v", err)
	}
	if cfg.MinPaymentAmount != 250000 {
		t.Fatalf("expected MIN_PAYMENT_AMOUNT 250000, got %d", cfg.MinPaymentAmount)
	}
	if !cfg.AllowHeuristicVerification {
		t.Fatalf("expected heuristic verification enabled")
	}
	if cfg.VerifyMaxAttempts != 1 {
		t.Fatalf("expected VERIFY_MAX_ATTEMPTS clamped to 1, got %d", cfg.VerifyMaxAttempts)
	}
}

func TestTreasuryDerivesAssociatedTokenAccount(t *testing.T) {
	owner := solana.NewWallet().PublicKey()
	mint := solana.NewWallet().PublicKey()
	cfg := Config{TreasuryOwner: owner.String(), USDCMint: mint.String()}

	got, err := cfg.Treasury()
	if err != nil {
		t.Fatalf("Treasury returned error: %v", err)
	}
	want, _, err := solana.FindAssociatedTokenAddress(owner, mint)
	if err != nil {
		t.Fatalf("derive: %v", err)
	}
	if !got.Equals(want) {
		t.Fatalf("expected %s, got %s", want, got)
	}

	explicit := solana.NewWallet().PublicKey()
	cfg.TreasuryTokenAccount = explicit.String()
	got, err = cfg.Treasury()
	if err != nil || !got.Equals(explicit) {
		t.Fatalf("expected explicit account %s, got %s (%v)", explicit, got, err)
	}
}

func TestValidateListsMissingKeys(t *testing.T) {
	err := Config{StoreDriver: "postgres"}.Validate()
	if err == nil {
		t.Fatalf("expected validation error")
	}
	for _, key := range []string{"DATABASE_URL", "USDC_MINT", "FEE_PAYER_PRIVATE_KEY", "JWT_SECRET", "TREASURY_OWNER"} {
		if !strings.Contains(err.Error(), key) {
			t.Fatalf("expected %s in %q", key, err)
		}
	}

	if err := (Config{StoreDriver: "memory"}).Validate(); err != nil && strings.Contains(err.Error(), "DATABASE_URL") {
		t.Fatalf("memory store should not require DATABASE_URL: %v", err)
	}
}

func TestAllowedOrigins(t *testing.T) {
	cfg := Config{CORSAllowedOrigins: " https://a.example, ,https://b.example "}
	got := cfg.AllowedOrigins()
	if len(got) != 2 || got[0] != "https://a.example" || got[1] != "https://b.example" {
		t.Fatalf("unexpected origins %v", got)
	}
	if got := (Config{}).AllowedOrigins(); len(got) != 1 || got[0] != "*" {
		t.Fatalf("expected wildcard default, got %v", got)
	}
}

func setEnvWithCleanup(t *testing.T, key string, value string) {
	t.Helper()
	prev, hadPrev := os.LookupEnv(key)
	if err := os.Setenv(key, value); err != nil {
		t.Fatalf("failed to set env %s: %v", key, err)
	}
	t.Cleanup(func() {
		if hadPrev {
			_ = os.Setenv(key, prev)
			return
		}
		_ = os.Unsetenv(key)
	})
}

func unsetEnvWithCleanup(t *testing.T, key string) {
	t.Helper()
	prev, hadPrev := os.LookupEnv(key)
	if err := os.Unsetenv(key); err != nil {
		t.Fatalf("failed to unset env %s: %v", key, err)
	}
	t.Cleanup(func() {
		if hadPrev {
			_ = os.Setenv(key, prev)
		}
	})
}
