// SPDX-FileCopyrightText: 2021 Softbear, Inc.
// SPDX-License-Identifier: AGPL-3.0-or-later

package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net"
	"net/http"
	_ "net/http/pprof"

	awssession "github.com/aws/aws-sdk-go/aws/session"
	"github.com/flopfight/relay/server"
	"github.com/flopfight/relay/server/ban"
	"github.com/flopfight/relay/server/cloud"
	"github.com/flopfight/relay/server/cloud/db"
	"github.com/flopfight/relay/server/cloud/fs"
	"github.com/flopfight/relay/server/cloud/push"
	"github.com/flopfight/relay/server/cloud/waf"
	"github.com/flopfight/relay/server/session"
	"github.com/flopfight/relay/server/throttle"
	awscloud "github.com/flopfight/relay/server_main/cloud"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"golang.org/x/net/netutil"
)

// banFeed is a source of ban changes for the propagator.
type banFeed interface {
	Run(ctx context.Context, out chan<- []db.BanChange) error
}

type stores struct {
	rooms    db.RoomStore
	logs     db.GameLogStore
	throttle db.ThrottleStore
	feed     banFeed
	cloud    server.Cloud
	remote   server.RemotePusher
	ipSet    ban.IPSet
}

func main() {
	var configDir string
	flag.StringVar(&configDir, "config", ".", "directory of config.yml and .env")
	var (
		port           int
		maxConnections int
	)
	flag.IntVar(&port, "port", 0, "http service port (overrides config)")
	flag.IntVar(&maxConnections, "max-connections", 0, "maximum number of inbound TCP connections (overrides config)")
	flag.Parse()

	config, err := loadConfig(configDir)
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	if port != 0 {
		config.Port = port
	}
	if maxConnections > 0 {
		config.MaxConnections = maxConnections
	}

	s, err := setup(config)
	if err != nil {
		log.Fatalf("setup: %v", err)
	}

	hub := server.NewHub(server.HubOptions{
		Cloud:      s.cloud,
		Gate:       throttle.New(s.throttle, config.Throttle),
		Remote:     s.remote,
		TrustProxy: config.TrustProxy,
	})
	hub.SetSessions(session.NewManager(s.rooms, s.logs, hub, config.Session))
	go hub.Run()

	if s.ipSet != nil && s.feed != nil {
		ctx := context.Background()
		changes := make(chan []db.BanChange, 16)
		go func() {
			defer close(changes)
			if err := s.feed.Run(ctx, changes); err != nil {
				log.Println("ban feed stopped:", err)
			}
		}()
		go ban.New(s.ipSet, config.Ban).Run(ctx, changes)
	}

	log.Printf("flopfight relay started %s on port %d", s.cloud, config.Port)

	http.Handle("/metrics", promhttp.Handler())
	http.Handle("/", hub.Handler())

	l, err := net.Listen("tcp", fmt.Sprint(":", config.Port))
	if err != nil {
		log.Fatalf("Listen: %v", err)
	}
	defer l.Close()

	l = netutil.LimitListener(l, config.MaxConnections)

	log.Fatal("ListenAndServe: ", http.Serve(l, nil))
}

// setup picks the backends. Without a stage everything is in memory; Redis, when
// configured, takes over throttling in either mode.
func setup(config Config) (*stores, error) {
	s := &stores{cloud: server.Offline{}}

	if config.Stage == "" {
		memory := db.NewMemoryDatabase(config.CSVPath)
		s.rooms, s.logs, s.throttle = memory, memory, memory
		log.Println("offline mode")
	} else {
		sess, err := awscloud.Session(config.Region, config.AWSProfile)
		if err != nil {
			return nil, err
		}

		tables := db.DefaultTables(config.Stage)
		database, err := db.NewDynamoDBDatabase(sess, tables)
		if err != nil {
			return nil, err
		}
		s.rooms, s.logs, s.throttle = database, database, database
		s.feed = db.NewDynamoBanStream(sess, tables.Throttle, config.StreamARN)

		// Cloud is not required for server to function, just log an error
		if c, err := newCloud(config, sess); err != nil {
			log.Printf("Cloud error: %v\n", err)
		} else {
			s.cloud = c
		}

		if config.GatewayEndpoint != "" {
			s.remote, err = push.NewAPIGateway(sess, config.GatewayEndpoint, server.EncodeOutbound)
			if err != nil {
				return nil, err
			}
		}

		if config.WAFIPSetID != "" {
			s.ipSet, err = waf.NewWAFv2IPSet(sess, config.WAFIPSetID, config.WAFIPSetName, config.WAFScope)
			if err != nil {
				return nil, err
			}
		}
	}

	if config.RedisURL != "" {
		options, err := redis.ParseURL(config.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("redis url: %w", err)
		}
		throttleStore := db.NewRedisThrottle(redis.NewClient(options), config.RedisPrefix)
		s.throttle = throttleStore
		s.feed = db.NewRedisBanFeed(throttleStore)
	}

	return s, nil
}

func newCloud(config Config, sess *awssession.Session) (*cloud.Cloud, error) {
	filesystem, err := fs.NewS3Filesystem(sess, fs.DefaultBucket(config.Stage))
	if err != nil {
		return nil, err
	}
	name := config.Name
	if name == "" {
		ip, err := awscloud.PublicIP()
		if err != nil {
			return nil, err
		}
		name = ip.String()
	}
	return cloud.New(config.Region, name, filesystem)
}
