// Package server composes the Open Notebook server: store, vault, queue,
// pipelines and the HTTP surface. It lives in pkg/ so deployments can
// embed the server and wrap the handler with their own middleware.
//
// Usage:
//
//	srv, err := server.New(ctx)
//	go srv.Worker.Run(ctx)
//	http.ListenAndServe(":5055", srv.Handler)
package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/open-notebook/open-notebook/internal/ai"
	"github.com/open-notebook/open-notebook/internal/api"
	"github.com/open-notebook/open-notebook/internal/api/handlers"
	"github.com/open-notebook/open-notebook/internal/auth"
	"github.com/open-notebook/open-notebook/internal/chat"
	"github.com/open-notebook/open-notebook/internal/commands"
	"github.com/open-notebook/open-notebook/internal/config"
	"github.com/open-notebook/open-notebook/internal/credentials"
	"github.com/open-notebook/open-notebook/internal/episodes"
	"github.com/open-notebook/open-notebook/internal/repo"
	"github.com/open-notebook/open-notebook/internal/sources"
	"github.com/open-notebook/open-notebook/internal/storage"
	"github.com/open-notebook/open-notebook/internal/store"
	"github.com/open-notebook/open-notebook/internal/telemetry"
	"github.com/open-notebook/open-notebook/internal/vault"
	"github.com/open-notebook/open-notebook/pkg/models"
)

// Server holds the initialized Open Notebook components.
type Server struct {
	// Handler is the HTTP handler with all routes and middleware.
	Handler http.Handler

	// Store is the data store, exposed for embedding deployments.
	Store store.Store

	// Worker is the command claim loop. The caller decides whether to run
	// it; cfg.Worker.Enabled says what the environment asked for.
	Worker *commands.Worker

	// Config is the effective configuration.
	Config *config.Config

	// ShutdownFunc flushes telemetry on graceful shutdown.
	ShutdownFunc func(context.Context) error

	repo *repo.Repo
}

// New initializes all components from the environment and returns a
// ready Server.
func New(ctx context.Context) (*Server, error) {
	return NewWithConfig(ctx, config.Load())
}

// NewWithConfig initializes the server with an explicit configuration.
func NewWithConfig(ctx context.Context, cfg *config.Config) (*Server, error) {
	shutdown, err := telemetry.Init(cfg.Telemetry)
	if err != nil {
		return nil, fmt.Errorf("init telemetry: %w", err)
	}

	r, err := repo.Open(ctx, cfg.DatabaseURL())
	if err != nil {
		return nil, err
	}
	dataStore := store.NewPostgresStore(r)

	version, err := r.MigrationVersion(ctx)
	if err != nil {
		return nil, fmt.Errorf("read schema version: %w", err)
	}
	if version < repo.SchemaVersion {
		log.Warn().Int("current", version).Int("expected", repo.SchemaVersion).
			Msg("schema out of date, run with --migrate")
	} else {
		seedDefaults(ctx, dataStore)
	}

	v, err := vault.Open(cfg.Secrets.Key, cfg.Secrets.KeyFile, cfg.SecretsDir())
	if err != nil {
		return nil, fmt.Errorf("open vault: %w", err)
	}

	files, err := storage.NewLocal(cfg.DataPath)
	if err != nil {
		return nil, fmt.Errorf("init storage: %w", err)
	}

	issuer, err := auth.NewIssuer(cfg.Auth.JWTSecret, cfg.Auth.ExpiresMinutes)
	if err != nil {
		return nil, fmt.Errorf("init token issuer: %w", err)
	}

	resolver := credentials.NewResolver(dataStore, v)
	factory := ai.NewFactory()

	registry := commands.NewRegistry()
	queue := commands.NewQueue(dataStore, registry, resolver)
	worker := commands.NewWorker(dataStore, queue, commands.WorkerOptions{
		Lease:          time.Duration(cfg.Worker.LeaseMinutes) * time.Minute,
		ReaperInterval: time.Duration(cfg.Worker.ReaperSeconds) * time.Second,
	})

	pipeline := sources.NewPipeline(dataStore, factory, sources.NewExtractor(), files.DeleteUpload)
	pipeline.RegisterHandlers(registry)

	generator := episodes.NewGenerator(dataStore, factory, files)
	generator.RegisterHandlers(registry)

	executor := chat.NewExecutor(dataStore, factory, resolver, chat.Options{})

	h := handlers.New(dataStore, v, queue, executor, files, resolver, factory, issuer, repo.SchemaVersion)
	router := api.NewRouter(cfg, h, issuer)

	return &Server{
		Handler:      router,
		Store:        dataStore,
		Worker:       worker,
		Config:       cfg,
		ShutdownFunc: shutdown,
		repo:         r,
	}, nil
}

// Close releases the database pool.
func (s *Server) Close() {
	s.repo.Close()
}

// seedDefaults creates the system transformations and podcast profiles
// once. System rows have an empty owner and are visible to every user.
func seedDefaults(ctx context.Context, s store.Store) {
	seedTransformations(ctx, s)
	seedPodcastProfiles(ctx, s)
}

func seedTransformations(ctx context.Context, s store.Store) {
	existing, err := s.ListTransformations(ctx, "")
	if err != nil {
		log.Warn().Err(err).Msg("list transformations for seeding")
		return
	}
	if len(existing) > 0 {
		return
	}
	defaults := []models.Transformation{
		{Name: "Summarize", PromptTemplate: "Summarize the following content in a few concise paragraphs:\n\n{{content}}"},
		{Name: "Key Topics", PromptTemplate: "List the key topics covered by the following content as short bullet points:\n\n{{content}}"},
		{Name: "Reflection Questions", PromptTemplate: "Write thoughtful reflection questions a reader should consider after reading:\n\n{{content}}"},
	}
	for i := range defaults {
		if err := s.CreateTransformation(ctx, &defaults[i]); err != nil {
			log.Warn().Err(err).Str("name", defaults[i].Name).Msg("seed transformation")
		}
	}
	log.Info().Int("count", len(defaults)).Msg("system transformations seeded")
}

func seedPodcastProfiles(ctx context.Context, s store.Store) {
	existing, err := s.ListEpisodeProfiles(ctx, "")
	if err != nil {
		log.Warn().Err(err).Msg("list episode profiles for seeding")
		return
	}
	if len(existing) > 0 {
		return
	}

	speakers := []models.SpeakerProfile{
		{Name: "Alex", VoiceID: "21m00Tcm4TlvDq8ikWAM", Personality: "Curious host who asks the questions a newcomer would ask."},
		{Name: "Sam", VoiceID: "AZnzlk1XvdvUeBnXmlld", Personality: "Expert guest who explains with concrete examples."},
	}
	ids := make([]string, 0, len(speakers))
	for i := range speakers {
		if err := s.CreateSpeakerProfile(ctx, &speakers[i]); err != nil {
			log.Warn().Err(err).Str("name", speakers[i].Name).Msg("seed speaker profile")
			return
		}
		ids = append(ids, speakers[i].ID)
	}

	profile := &models.EpisodeProfile{
		Name:            "Deep Dive",
		Description:     "Two voices working through the notebook's sources.",
		SpeakerProfiles: ids,
		Briefing:        "Discuss the notebook material conversationally. Define terms as they come up and close with the main takeaways.",
		SegmentCount:    5,
	}
	if err := s.CreateEpisodeProfile(ctx, profile); err != nil {
		log.Warn().Err(err).Msg("seed episode profile")
		return
	}
	log.Info().Msg("default podcast profiles seeded")
}
