package main

import (
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"kasumi/pkg/ai"
	"kasumi/pkg/bot"
	"kasumi/pkg/cache"
	"kasumi/pkg/config"
	"kasumi/pkg/gemini"
	"kasumi/pkg/keyring"
	"kasumi/pkg/memory"
	"kasumi/pkg/openrouter"
	"kasumi/pkg/ratelimit"
	"kasumi/pkg/store"
	"kasumi/pkg/surreal"
	"kasumi/pkg/track"

	"github.com/bwmarrin/discordgo"
	"github.com/joho/godotenv"
)

func main() {
	// Load config.yml
	cfg, err := config.LoadConfig("config.yml")
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	// Load .env for secrets
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, relying on environment variables")
	}

	token := os.Getenv("DISCORD_TOKEN")
	if token == "" {
		log.Fatal("Missing required environment variable: DISCORD_TOKEN")
	}

	geminiKeys := splitKeys(os.Getenv("GEMINI_API_KEYS"))
	openrouterKey := os.Getenv("OPENROUTER_API_KEY")
	if len(geminiKeys) == 0 && openrouterKey == "" {
		log.Println("No provider keys set, running on canned responses only")
	}

	// Redis is optional: without it every component keeps working on
	// in-process state, it just forgets on restart.
	var redisStore *store.Store
	redisURL := os.Getenv("REDIS_URL")
	if redisURL != "" {
		redisStore, err = store.New(redisURL, "")
		if err != nil {
			log.Fatalf("Invalid REDIS_URL: %v", err)
		}
		defer redisStore.Close()
	} else {
		log.Println("REDIS_URL not set, persistence disabled")
	}

	conversations := memory.NewConversations(
		redisStore,
		cfg.Persona.Name,
		cfg.Limits.HistoryLength,
		time.Duration(cfg.Limits.SessionTTLSeconds)*time.Second,
		time.Duration(cfg.Limits.IdleSweepSeconds)*time.Second,
	)
	defer conversations.Close()

	responseCache := cache.New(redisStore, time.Duration(cfg.Limits.CacheTTLSeconds)*time.Second)
	limiter := ratelimit.New(
		redisStore,
		time.Duration(cfg.Limits.RateWindowSeconds)*time.Second,
		cfg.Limits.RateCount,
		time.Duration(cfg.Limits.BanSeconds)*time.Second,
	)
	defer limiter.Close()
	rotator := keyring.New(redisStore)

	primary := gemini.NewClient(cfg.Primary.BaseURL, cfg.Primary.Model, cfg.ModelSettings.Temperature, cfg.ModelSettings.TopP)
	secondary := openrouter.NewClient(openrouterKey, cfg.Secondary.BaseURL, cfg.Secondary.Model, cfg.ModelSettings.Temperature, cfg.ModelSettings.TopP)

	orchestrator := ai.NewOrchestrator(cfg.Persona.Name, geminiKeys, primary, secondary, rotator, conversations, responseCache)

	// Optional usage analytics (SurrealDB)
	var tracker *track.Tracker
	if surrealHost := os.Getenv("SURREAL_DB_HOST"); surrealHost != "" {
		if !strings.HasPrefix(surrealHost, "ws://") && !strings.HasPrefix(surrealHost, "wss://") {
			surrealHost = "wss://" + surrealHost + "/rpc"
		}
		surrealNS := envOr("SURREAL_DB_NAMESPACE", "kasumi")
		surrealDB := envOr("SURREAL_DB_DATABASE", "analytics")

		surrealClient, err := surreal.NewClient(surrealHost, os.Getenv("SURREAL_DB_USER"), os.Getenv("SURREAL_DB_PASS"), surrealNS, surrealDB)
		if err != nil {
			log.Printf("Analytics disabled, could not connect to SurrealDB: %v", err)
		} else {
			defer surrealClient.Close()
			tracker = track.New(surrealClient)
			log.Printf("Analytics enabled (NS: %s, DB: %s)", surrealNS, surrealDB)
		}
	}

	handler := bot.NewHandler(orchestrator, limiter, conversations, tracker)

	// Create Discord Session
	dg, err := discordgo.New("Bot " + token)
	if err != nil {
		log.Fatalf("Error creating Discord session: %v", err)
	}
	dg.Identify.Intents = discordgo.IntentsGuildMessages | discordgo.IntentsDirectMessages | discordgo.IntentMessageContent

	dg.AddHandler(handler.MessageCreate)
	dg.AddHandler(handler.InteractionCreate)

	if err := dg.Open(); err != nil {
		log.Fatalf("Error opening connection: %v", err)
	}

	handler.SetBotID(dg.State.User.ID)

	guildID := os.Getenv("DISCORD_GUILD_ID") // Optional: set for faster command updates during development
	registeredCommands, err := bot.RegisterSlashCommands(dg, guildID)
	if err != nil {
		log.Fatalf("Error registering slash commands: %v", err)
	}
	defer func() {
		if err := bot.UnregisterSlashCommands(dg, guildID, registeredCommands); err != nil {
			log.Printf("Error unregistering slash commands: %v", err)
		}
	}()

	// Keep-alive endpoint for hosting platforms that ping for liveness
	go func() {
		mux := http.NewServeMux()
		mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
			status := "ok"
			if redisStore != nil && !redisStore.Available() {
				status = "degraded: redis unavailable"
			}
			w.WriteHeader(http.StatusOK)
			w.Write([]byte(status))
		})
		addr := ":" + envOr("PORT", "8080")
		if err := http.ListenAndServe(addr, mux); err != nil {
			log.Printf("Keep-alive server stopped: %v", err)
		}
	}()

	err = dg.UpdateStatusComplex(discordgo.UpdateStatusData{
		Activities: []*discordgo.Activity{
			{
				Name:  "Custom Status",
				Type:  discordgo.ActivityTypeCustom,
				State: "live in 5, come hang out! 🎮",
				Emoji: discordgo.Emoji{
					Name: "✨",
				},
			},
		},
		Status: "online",
	})
	if err != nil {
		log.Printf("Error setting custom status: %v", err)
	}

	log.Println("Kasumi is now running. Press CTRL-C to exit.")

	sc := make(chan os.Signal, 1)
	signal.Notify(sc, syscall.SIGINT, syscall.SIGTERM, os.Interrupt)
	<-sc

	dg.Close()
}

func splitKeys(raw string) []string {
	var keys []string
	for _, k := range strings.Split(raw, ",") {
		if k = strings.TrimSpace(k); k != "" {
			keys = append(keys, k)
		}
	}
	return keys
}

func envOr(name, fallback string) string {
	if v := os.Getenv(name); v != "" {
		return v
	}
	return fallback
}
