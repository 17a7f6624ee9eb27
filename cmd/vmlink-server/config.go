package main

import (
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	internalhttp "github.com/overcastlabs/vmlink/internal/api/http"
	"github.com/overcastlabs/vmlink/internal/creds"
	"github.com/overcastlabs/vmlink/internal/db"
)

type Config struct {
	Log      LogConfig
	Http     internalhttp.Config
	Database db.Config
	OAuth    creds.Config  `mapstructure:"oauth"`
	Session  SessionConfig `mapstructure:"session"`
	Compute  ComputeConfig `mapstructure:"compute"`
}

type SessionConfig struct {
	SettleDelaySeconds   int `mapstructure:"settle_delay_seconds"`
	DialTimeoutSeconds   int `mapstructure:"dial_timeout_seconds"`
	MaxAgeMinutes        int `mapstructure:"max_age_minutes"`
	SweepIntervalSeconds int `mapstructure:"sweep_interval_seconds"`
	ExecGraceSeconds     int `mapstructure:"exec_grace_seconds"`
}

type ComputeConfig struct {
	// Endpoint overrides the Compute Engine API base URL, mainly for
	// emulators and tests.
	Endpoint string `mapstructure:"endpoint"`
}

var config Config

func InitConfig() {
	_ = godotenv.Load()

	viper.SetConfigName("application")
	viper.AddConfigPath(".")
	viper.AddConfigPath("./cmd/vmlink-server")
	viper.SetConfigType("yaml")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	_ = viper.BindEnv("database.url", "DATABASE_URL")
	_ = viper.BindEnv("oauth.client_secret", "OAUTH_CLIENT_SECRET")

	viper.SetDefault("http.port", 8080)
	viper.SetDefault("session.settle_delay_seconds", 2)
	viper.SetDefault("session.dial_timeout_seconds", 10)
	viper.SetDefault("session.max_age_minutes", 120)
	viper.SetDefault("session.sweep_interval_seconds", 30)
	viper.SetDefault("session.exec_grace_seconds", 30)

	if err := viper.ReadInConfig(); err != nil {
		panic(err)
	}

	if err := viper.Unmarshal(&config); err != nil {
		panic(err)
	}

	initLogger(config.Log.Level)
}
