// gwcheck is the pre-flight diagnostic: it validates configuration and
// probes every external dependency the gateway needs at boot, without
// starting any adapter loop.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/ocx/gateway/internal/ai"
	"github.com/ocx/gateway/internal/channels/discord"
	"github.com/ocx/gateway/internal/channels/googlechat"
	"github.com/ocx/gateway/internal/channels/kakao"
	"github.com/ocx/gateway/internal/channels/line"
	"github.com/ocx/gateway/internal/channels/matrix"
	"github.com/ocx/gateway/internal/channels/mattermost"
	signalcli "github.com/ocx/gateway/internal/channels/signal"
	"github.com/ocx/gateway/internal/channels/slack"
	"github.com/ocx/gateway/internal/channels/telegram"
	"github.com/ocx/gateway/internal/channels/webchat"
	"github.com/ocx/gateway/internal/channels/whatsapp"
	"github.com/ocx/gateway/internal/channels/zalo"
	"github.com/ocx/gateway/internal/config"
	"github.com/ocx/gateway/internal/store"
	"github.com/ocx/gateway/pkg/channel"
)

type Component struct {
	Name string
	Test func() error
}

// errSkipped marks checks whose subject is optional and not configured.
var errSkipped = errors.New("not configured")

func main() {
	if err := godotenv.Load(); err != nil {
		fmt.Println("No .env file found")
	}

	fmt.Println("\033[96mOCX Gateway - Pre-Flight Diagnostic v1.0\033[0m")
	fmt.Println("---------------------------------------------------------")

	var cfg *config.Config
	var configured []string

	components := []Component{
		{"Configuration", func() error {
			c, err := config.Load()
			if err != nil {
				return err
			}
			if err := c.Validate(); err != nil {
				return err
			}
			cfg = c
			return nil
		}},
		{"Tier-2 backend (REST)", func() error {
			if cfg == nil {
				return errors.New("configuration failed")
			}
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return ai.NewMoaClient(cfg.Moa.APIURL, cfg.Moa.APISecret, 5*time.Second).HealthCheck(ctx)
		}},
		{"Tier-1 agent (duplex)", func() error {
			if cfg == nil {
				return errors.New("configuration failed")
			}
			if cfg.Openclaw.GatewayURL == "" {
				return errSkipped
			}
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return ai.NewOpenclawClient(cfg.Openclaw.GatewayURL, cfg.Openclaw.GatewayToken, cfg.Openclaw.Timeout()).Available(ctx)
		}},
		{"Store backend", func() error {
			st, err := store.NewStoreFromEnv()
			if err != nil {
				return err
			}
			defer st.Close()
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return st.HealthCheck(ctx)
		}},
		{"Channel credentials", func() error {
			if cfg == nil {
				return errors.New("configuration failed")
			}
			configured = configuredChannels(cfg.Channels)
			if len(configured) == 0 {
				return errors.New("no channel adapter configured")
			}
			return nil
		}},
	}

	failed := 0
	for _, c := range components {
		fmt.Printf("Checking %-25s ", c.Name+"...")
		err := c.Test()
		switch {
		case errors.Is(err, errSkipped):
			fmt.Println("\033[33m[SKIP]\033[0m")
		case err != nil:
			failed++
			fmt.Println("\033[31m[FAIL]\033[0m")
			fmt.Printf("  >> Error: %v\n", err)
		default:
			fmt.Println("\033[32m[OK]\033[0m")
		}
	}

	fmt.Println("---------------------------------------------------------")
	if len(configured) > 0 {
		fmt.Printf("Channels configured: %s\n", strings.Join(configured, ", "))
	}
	if failed > 0 {
		fmt.Printf("\033[31mStatus: %d check(s) failed.\033[0m\n", failed)
		os.Exit(1)
	}
	fmt.Println("\033[96mStatus: Gateway ready for traffic.\033[0m")
}

// configuredChannels runs every adapter's pure credential check against the
// loaded settings.
func configuredChannels(cfg config.ChannelSettings) []string {
	adapters := []channel.Plugin{
		mattermost.New(),
		googlechat.New(),
		zalo.New(),
		slack.New(),
		line.New(),
		kakao.New(nil),
		whatsapp.New(),
		matrix.New(),
		telegram.New(),
		signalcli.New(),
		discord.New(),
		webchat.New(),
	}

	var tags []string
	for _, a := range adapters {
		if a.IsConfigured(cfg) {
			tags = append(tags, a.Channel())
		}
	}
	return tags
}
