// SPDX-FileCopyrightText: 2021 Softbear, Inc.
// SPDX-License-Identifier: AGPL-3.0-or-later

package main

import (
	"errors"
	"io/fs"
	"path/filepath"
	"strings"

	"github.com/flopfight/relay/server/ban"
	"github.com/flopfight/relay/server/session"
	"github.com/flopfight/relay/server/throttle"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

const envPrefix = "FLOPFIGHT"

type Config struct {
	Port           int
	MaxConnections int

	// Stage selects the AWS deployment. Empty means offline, with everything in memory.
	Stage      string
	Region     string
	AWSProfile string
	// Name identifies this server in its status snapshot. Defaults to the public IP.
	Name string

	CSVPath    string
	TrustProxy bool

	RedisURL    string
	RedisPrefix string

	GatewayEndpoint string
	StreamARN       string
	WAFIPSetID      string
	WAFIPSetName    string
	WAFScope        string

	Session  session.Config
	Throttle throttle.Config
	Ban      ban.Config
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("port", 8192)
	v.SetDefault("max_connections", 256)
	v.SetDefault("stage", "")
	v.SetDefault("region", "us-east-1")
	v.SetDefault("aws_profile", "flopfight")
	v.SetDefault("name", "")
	v.SetDefault("csv_path", "")
	v.SetDefault("trust_proxy", false)
	v.SetDefault("redis_url", "")
	v.SetDefault("redis_prefix", "flopfight:")
	v.SetDefault("gateway_endpoint", "")
	v.SetDefault("stream_arn", "")
	v.SetDefault("waf.ip_set_id", "")
	v.SetDefault("waf.ip_set_name", "")
	v.SetDefault("waf.scope", "REGIONAL")

	s := session.DefaultConfig()
	v.SetDefault("session.max_hp", s.MaxHP)
	v.SetDefault("session.max_rooms_per_address", s.MaxRoomsPerAddress)
	v.SetDefault("session.waiting_ttl", s.WaitingTTL)
	v.SetDefault("session.match_ttl", s.MatchTTL)
	v.SetDefault("session.rematch_ttl", s.RematchTTL)
	v.SetDefault("session.hit_attempts", s.HitAttempts)
	v.SetDefault("session.log_retention", s.LogRetention)

	t := throttle.DefaultConfig()
	v.SetDefault("throttle.conn_rate_limit", t.ConnRateLimit)
	v.SetDefault("throttle.message_rate_limit", t.MessageRateLimit)
	v.SetDefault("throttle.message_sample_rate", t.MessageSampleRate)
	v.SetDefault("throttle.ban_duration", t.BanDuration)
	v.SetDefault("throttle.counter_ttl", t.CounterTTL)

	b := ban.DefaultConfig()
	v.SetDefault("ban.max_attempts", b.MaxAttempts)
	v.SetDefault("ban.initial_backoff", b.InitialBackoff)
	v.SetDefault("ban.multiplier", b.Multiplier)
}

// loadConfig reads dir/.env and dir/config.yml if present, then FLOPFIGHT_* environment
// variables, which take precedence. Nested keys use underscores, as in FLOPFIGHT_SESSION_MAX_HP.
func loadConfig(dir string) (Config, error) {
	if err := godotenv.Load(filepath.Join(dir, ".env")); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return Config{}, err
	}

	v := viper.New()
	setDefaults(v)
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(dir)
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return Config{}, err
		}
	}

	config := Config{
		Port:            v.GetInt("port"),
		MaxConnections:  v.GetInt("max_connections"),
		Stage:           v.GetString("stage"),
		Region:          v.GetString("region"),
		AWSProfile:      v.GetString("aws_profile"),
		Name:            v.GetString("name"),
		CSVPath:         v.GetString("csv_path"),
		TrustProxy:      v.GetBool("trust_proxy"),
		RedisURL:        v.GetString("redis_url"),
		RedisPrefix:     v.GetString("redis_prefix"),
		GatewayEndpoint: v.GetString("gateway_endpoint"),
		StreamARN:       v.GetString("stream_arn"),
		WAFIPSetID:      v.GetString("waf.ip_set_id"),
		WAFIPSetName:    v.GetString("waf.ip_set_name"),
		WAFScope:        v.GetString("waf.scope"),
		Session: session.Config{
			MaxHP:              float32(v.GetFloat64("session.max_hp")),
			MaxRoomsPerAddress: v.GetInt("session.max_rooms_per_address"),
			WaitingTTL:         v.GetDuration("session.waiting_ttl"),
			MatchTTL:           v.GetDuration("session.match_ttl"),
			RematchTTL:         v.GetDuration("session.rematch_ttl"),
			HitAttempts:        v.GetInt("session.hit_attempts"),
			LogRetention:       v.GetDuration("session.log_retention"),
		},
		Throttle: throttle.Config{
			ConnRateLimit:     v.GetInt("throttle.conn_rate_limit"),
			MessageRateLimit:  v.GetInt("throttle.message_rate_limit"),
			MessageSampleRate: v.GetFloat64("throttle.message_sample_rate"),
			BanDuration:       v.GetDuration("throttle.ban_duration"),
			CounterTTL:        v.GetDuration("throttle.counter_ttl"),
		},
		Ban: ban.Config{
			MaxAttempts:    v.GetInt("ban.max_attempts"),
			InitialBackoff: v.GetDuration("ban.initial_backoff"),
			Multiplier:     v.GetFloat64("ban.multiplier"),
		},
	}
	return config, config.validate()
}

func (config Config) validate() error {
	switch {
	case config.MaxConnections < 1:
		return errors.New("max_connections must be positive")
	case config.Session.MaxHP <= 0:
		return errors.New("session.max_hp must be positive")
	case config.Throttle.MessageSampleRate <= 0 || config.Throttle.MessageSampleRate > 1:
		return errors.New("throttle.message_sample_rate must be in (0, 1]")
	case config.WAFIPSetID != "" && config.WAFIPSetName == "":
		return errors.New("waf.ip_set_name is required with waf.ip_set_id")
	}
	return nil
}
