/**
 * @description
 * Configuration management for the gas-sponsor-service. Values come from
 * environment variables, with an optional .env file, through Viper.
 *
 * @dependencies
 * - github.com/spf13/viper: environment binding and defaults.
 * - github.com/gagliardetto/solana-go: key parsing and treasury address derivation.
 */

package config

import (
	"errors"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/spf13/viper"
)

// Config holds all the configuration variables for the gas-sponsor-service.
type Config struct {
	ServerPort                 string `mapstructure:"SERVER_PORT"`
	DatabaseURL                string `mapstructure:"DATABASE_URL"`
	StoreDriver                string `mapstructure:"STORE_DRIVER"`
	RedisURL                   string `mapstructure:"REDIS_URL"`
	RedisRateLimitPrefix       string `mapstructure:"REDIS_RATE_LIMIT_PREFIX"`
	RabbitMQURL                string `mapstructure:"RABBITMQ_URL"`
	EventExchange              string `mapstructure:"EVENT_EXCHANGE"`
	PaymentEventQueue          string `mapstructure:"PAYMENT_EVENT_QUEUE"`
	SolanaRPCURL               string `mapstructure:"SOLANA_RPC_URL"`
	SolanaNetwork              string `mapstructure:"SOLANA_NETWORK"`
	USDCMint                   string `mapstructure:"USDC_MINT"`
	TreasuryOwner              string `mapstructure:"TREASURY_OWNER"`
	TreasuryTokenAccount       string `mapstructure:"TREASURY_TOKEN_ACCOUNT"`
	FeePayerPrivateKey         string `mapstructure:"FEE_PAYER_PRIVATE_KEY"`
	SignerAPIBaseURL           string `mapstructure:"SIGNER_API_BASE_URL"`
	SignerAPIKey               string `mapstructure:"SIGNER_API_KEY"`
	SignerTimeoutSeconds       int    `mapstructure:"SIGNER_TIMEOUT_SECONDS"`
	SponsorCreditCost          uint64 `mapstructure:"SPONSOR_CREDIT_COST"`
	MinPaymentAmount           uint64 `mapstructure:"MIN_PAYMENT_AMOUNT"`
	VerifyMaxAttempts          int    `mapstructure:"VERIFY_MAX_ATTEMPTS"`
	VerifyInitialDelayMs       int    `mapstructure:"VERIFY_INITIAL_DELAY_MS"`
	VerifyRetryDelayMs         int    `mapstructure:"VERIFY_RETRY_DELAY_MS"`
	AllowHeuristicVerification bool   `mapstructure:"ALLOW_HEURISTIC_VERIFICATION"`
	ConfirmTimeoutSeconds      int    `mapstructure:"CONFIRM_TIMEOUT_SECONDS"`
	ReconcileSchedule          string `mapstructure:"RECONCILE_SCHEDULE"`
	ReconcileMinAgeSeconds     int    `mapstructure:"RECONCILE_MIN_AGE_SECONDS"`
	VerificationJobSchedule    string `mapstructure:"VERIFICATION_JOB_SCHEDULE"`
	VerificationJobMaxAttempts int    `mapstructure:"VERIFICATION_JOB_MAX_ATTEMPTS"`
	SponsorRateLimitPerMinute  int    `mapstructure:"SPONSOR_RATE_LIMIT_PER_MINUTE"`
	JWTSecret                  string `mapstructure:"JWT_SECRET"`
	CORSAllowedOrigins         string `mapstructure:"CORS_ALLOWED_ORIGINS"`
}

var configKeys = []string{
	"SERVER_PORT", "DATABASE_URL", "STORE_DRIVER", "REDIS_URL", "REDIS_RATE_LIMIT_PREFIX",
	"RABBITMQ_URL", "EVENT_EXCHANGE", "PAYMENT_EVENT_QUEUE", "SOLANA_RPC_URL", "SOLANA_NETWORK",
	"USDC_MINT", "TREASURY_OWNER", "TREASURY_TOKEN_ACCOUNT", "FEE_PAYER_PRIVATE_KEY",
	"SIGNER_API_BASE_URL", "SIGNER_API_KEY", "SIGNER_TIMEOUT_SECONDS", "SPONSOR_CREDIT_COST",
	"MIN_PAYMENT_AMOUNT", "VERIFY_MAX_ATTEMPTS", "VERIFY_INITIAL_DELAY_MS", "VERIFY_RETRY_DELAY_MS",
	"ALLOW_HEURISTIC_VERIFICATION", "CONFIRM_TIMEOUT_SECONDS", "RECONCILE_SCHEDULE",
	"RECONCILE_MIN_AGE_SECONDS", "VERIFICATION_JOB_SCHEDULE", "VERIFICATION_JOB_MAX_ATTEMPTS",
	"SPONSOR_RATE_LIMIT_PER_MINUTE", "JWT_SECRET", "CORS_ALLOWED_ORIGINS",
}

// LoadConfig reads configuration from environment variables and an optional
// .env file in path.
func LoadConfig(path string) (config Config, err error) {
	viper.AddConfigPath(path)
	viper.SetConfigName(".env")
	viper.SetConfigType("env")

	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	viper.SetDefault("SERVER_PORT", "8085")
	viper.SetDefault("STORE_DRIVER", "postgres")
	viper.SetDefault("REDIS_RATE_LIMIT_PREFIX", "transfa:gas_sponsor")
	viper.SetDefault("EVENT_EXCHANGE", "transfa.events")
	viper.SetDefault("PAYMENT_EVENT_QUEUE", "gas-sponsor-service.payment-submitted")
	viper.SetDefault("SOLANA_RPC_URL", "https://api.devnet.solana.com")
	viper.SetDefault("SOLANA_NETWORK", "solana-devnet")
	viper.SetDefault("SIGNER_TIMEOUT_SECONDS", 20)
	viper.SetDefault("SPONSOR_CREDIT_COST", 10000)
	viper.SetDefault("MIN_PAYMENT_AMOUNT", 10000)
	viper.SetDefault("VERIFY_MAX_ATTEMPTS", 5)
	viper.SetDefault("VERIFY_INITIAL_DELAY_MS", 2000)
	viper.SetDefault("VERIFY_RETRY_DELAY_MS", 1000)
	viper.SetDefault("ALLOW_HEURISTIC_VERIFICATION", false)
	viper.SetDefault("CONFIRM_TIMEOUT_SECONDS", 30)
	viper.SetDefault("RECONCILE_SCHEDULE", "@every 30s")
	viper.SetDefault("RECONCILE_MIN_AGE_SECONDS", 60)
	viper.SetDefault("VERIFICATION_JOB_SCHEDULE", "@every 15s")
	viper.SetDefault("VERIFICATION_JOB_MAX_ATTEMPTS", 10)
	viper.SetDefault("SPONSOR_RATE_LIMIT_PER_MINUTE", 30)
	viper.SetDefault("CORS_ALLOWED_ORIGINS", "*")

	for _, key := range configKeys {
		_ = viper.BindEnv(key)
	}
	_ = viper.BindEnv("PORT")

	if err = viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			log.Printf("level=warn component=config msg=\"failed to read config file; using environment values\" err=%v", err)
		}
	}

	err = viper.Unmarshal(&config)
	if err != nil {
		return
	}

	if port := strings.TrimSpace(os.Getenv("PORT")); port != "" {
		config.ServerPort = port
	}
	config.StoreDriver = strings.ToLower(strings.TrimSpace(config.StoreDriver))
	config.RedisURL = strings.TrimSpace(config.RedisURL)
	config.RedisRateLimitPrefix = strings.TrimSpace(config.RedisRateLimitPrefix)
	if config.RedisRateLimitPrefix == "" {
		config.RedisRateLimitPrefix = "transfa:gas_sponsor"
	}
	config.SolanaNetwork = strings.TrimSpace(config.SolanaNetwork)
	if config.VerifyMaxAttempts < 1 {
		log.Printf("level=warn component=config msg=\"VERIFY_MAX_ATTEMPTS must be at least 1; using 1\" value=%d", config.VerifyMaxAttempts)
		config.VerifyMaxAttempts = 1
	}
	if config.SponsorCreditCost == 0 {
		return config, errors.New("SPONSOR_CREDIT_COST must be greater than zero")
	}

	return config, nil
}

// Validate checks the keys required to run the service.
func (c Config) Validate() error {
	var missing []string
	if c.StoreDriver != "memory" && strings.TrimSpace(c.DatabaseURL) == "" {
		missing = append(missing, "DATABASE_URL")
	}
	for key, value := range map[string]string{
		"USDC_MINT":             c.USDCMint,
		"FEE_PAYER_PRIVATE_KEY": c.FeePayerPrivateKey,
		"SIGNER_API_BASE_URL":   c.SignerAPIBaseURL,
		"JWT_SECRET":            c.JWTSecret,
	} {
		if strings.TrimSpace(value) == "" {
			missing = append(missing, key)
		}
	}
	if strings.TrimSpace(c.TreasuryTokenAccount) == "" && strings.TrimSpace(c.TreasuryOwner) == "" {
		missing = append(missing, "TREASURY_OWNER or TREASURY_TOKEN_ACCOUNT")
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing required configuration: %s", strings.Join(missing, ", "))
	}
	return nil
}

// FeePayer parses the base58 fee payer keypair.
func (c Config) FeePayer() (solana.PrivateKey, error) {
	key, err := solana.PrivateKeyFromBase58(strings.TrimSpace(c.FeePayerPrivateKey))
	if err != nil {
		return nil, fmt.Errorf("invalid FEE_PAYER_PRIVATE_KEY: %w", err)
	}
	return key, nil
}

func (c Config) Mint() (solana.PublicKey, error) {
	mint, err := solana.PublicKeyFromBase58(strings.TrimSpace(c.USDCMint))
	if err != nil {
		return solana.PublicKey{}, fmt.Errorf("invalid USDC_MINT: %w", err)
	}
	return mint, nil
}

// Treasury returns the token account payments must reach. When it is not
// configured it is the owner's associated token account for the mint.
func (c Config) Treasury() (solana.PublicKey, error) {
	if raw := strings.TrimSpace(c.TreasuryTokenAccount); raw != "" {
		account, err := solana.PublicKeyFromBase58(raw)
		if err != nil {
			return solana.PublicKey{}, fmt.Errorf("invalid TREASURY_TOKEN_ACCOUNT: %w", err)
		}
		return account, nil
	}
	owner, err := solana.PublicKeyFromBase58(strings.TrimSpace(c.TreasuryOwner))
	if err != nil {
		return solana.PublicKey{}, fmt.Errorf("invalid TREASURY_OWNER: %w", err)
	}
	mint, err := c.Mint()
	if err != nil {
		return solana.PublicKey{}, err
	}
	account, _, err := solana.FindAssociatedTokenAddress(owner, mint)
	if err != nil {
		return solana.PublicKey{}, fmt.Errorf("derive treasury token account: %w", err)
	}
	return account, nil
}

func (c Config) SignerTimeout() time.Duration {
	return time.Duration(c.SignerTimeoutSeconds) * time.Second
}

func (c Config) ConfirmTimeout() time.Duration {
	return time.Duration(c.ConfirmTimeoutSeconds) * time.Second
}

func (c Config) VerifyInitialDelay() time.Duration {
	return time.Duration(c.VerifyInitialDelayMs) * time.Millisecond
}

func (c Config) VerifyRetryDelay() time.Duration {
	return time.Duration(c.VerifyRetryDelayMs) * time.Millisecond
}

func (c Config) ReconcileMinAge() time.Duration {
	return time.Duration(c.ReconcileMinAgeSeconds) * time.Second
}

// AllowedOrigins splits CORS_ALLOWED_ORIGINS on commas.
func (c Config) AllowedOrigins() []string {
	var origins []string
	for _, origin := range strings.Split(c.CORSAllowedOrigins, ",") {
		if trimmed := strings.TrimSpace(origin); trimmed != "" {
			origins = append(origins, trimmed)
		}
	}
	if len(origins) == 0 {
		return []string{"*"}
	}
	return origins
}
