// Package episodes turns notebook material into a podcast: a transcript
// written by a chat model from an episode profile's briefing, then
// per-line speech synthesis stitched into one audio file.
package episodes

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/rs/zerolog/log"

	"github.com/open-notebook/open-notebook/internal/ai"
	"github.com/open-notebook/open-notebook/internal/commands"
	"github.com/open-notebook/open-notebook/internal/credentials"
	"github.com/open-notebook/open-notebook/internal/store"
	"github.com/open-notebook/open-notebook/pkg/models"
)

// briefingBudget caps how much notebook text goes into the transcript
// prompt.
const briefingBudget = 20_000

// Models builds the transcript writer and the speech synthesizer.
// *ai.Factory satisfies it.
type Models interface {
	ChatModel(ctx context.Context, ref ai.ModelRef, creds credentials.Credentials) (ai.ChatModel, error)
	Speech(creds credentials.Credentials) (ai.SpeechSynthesizer, error)
}

// Audio persists the finished episode audio. *storage.Local satisfies
// it.
type Audio interface {
	SaveEpisodeAudio(userID, episodeID, filename string, data []byte) (string, error)
}

// Generator runs episode generation as a command handler.
type Generator struct {
	store  store.Store
	models Models
	audio  Audio
}

func NewGenerator(s store.Store, m Models, a Audio) *Generator {
	return &Generator{store: s, models: m, audio: a}
}

// RegisterHandlers binds the generator's command handlers.
func (g *Generator) RegisterHandlers(reg *commands.Registry) {
	reg.Register("podcast", "generate_episode", g.handleGenerate)
}

func (g *Generator) handleGenerate(ctx context.Context, cmd *models.Command, creds credentials.Credentials) (map[string]interface{}, error) {
	episodeID := cmd.InputString("episode_id")
	if episodeID == "" {
		return nil, errors.New("generate_episode: input has no episode_id")
	}
	episode, err := g.store.GetEpisode(ctx, "", episodeID)
	if err != nil {
		return nil, err
	}

	if err := g.generate(ctx, episode, creds); err != nil {
		episode.Status = models.EpisodeFailed
		episode.ErrorMessage = err.Error()
		if uerr := g.store.UpdateEpisode(ctx, episode); uerr != nil {
			log.Error().Err(uerr).Str("episode_id", episode.ID).Msg("mark episode failed")
		}
		return nil, err
	}
	return map[string]interface{}{"episode_id": episode.ID, "audio_file": episode.AudioFile}, nil
}

func (g *Generator) generate(ctx context.Context, episode *models.Episode, creds credentials.Credentials) error {
	episode.Status = models.EpisodeRunning
	episode.ErrorMessage = ""
	if err := g.store.UpdateEpisode(ctx, episode); err != nil {
		return err
	}

	profile, err := g.store.GetEpisodeProfile(ctx, episode.Owner, episode.Profile)
	if err != nil {
		return err
	}
	speakers := make([]*models.SpeakerProfile, 0, len(profile.SpeakerProfiles))
	for _, id := range profile.SpeakerProfiles {
		sp, err := g.store.GetSpeakerProfile(ctx, episode.Owner, id)
		if err != nil {
			return err
		}
		speakers = append(speakers, sp)
	}
	if len(speakers) == 0 {
		return fmt.Errorf("profile %s has no speakers", profile.Name)
	}

	material, err := g.notebookMaterial(ctx, episode)
	if err != nil {
		return err
	}

	transcript, err := g.writeTranscript(ctx, episode, profile, speakers, material, creds)
	if err != nil {
		return fmt.Errorf("write transcript: %w", err)
	}
	episode.Transcript = transcript

	audio, err := g.synthesize(ctx, transcript, speakers, creds)
	if err != nil {
		return fmt.Errorf("synthesize audio: %w", err)
	}

	path, err := g.audio.SaveEpisodeAudio(episode.Owner, episode.ID, "episode.mp3", audio)
	if err != nil {
		return err
	}
	episode.AudioFile = path
	episode.Status = models.EpisodeCompleted
	if err := g.store.UpdateEpisode(ctx, episode); err != nil {
		return err
	}
	log.Info().Str("episode_id", episode.ID).Int("audio_bytes", len(audio)).Msg("episode generated")
	return nil
}

// notebookMaterial collects completed source text from the episode's
// notebook, capped at the briefing budget.
func (g *Generator) notebookMaterial(ctx context.Context, episode *models.Episode) (string, error) {
	if episode.Notebook == "" {
		return "", nil
	}
	sources, err := g.store.ListNotebookSources(ctx, episode.Owner, episode.Notebook)
	if err != nil {
		return "", err
	}
	var b strings.Builder
	for _, src := range sources {
		if src.Status != models.SourceCompleted || src.FullText == "" {
			continue
		}
		fmt.Fprintf(&b, "## %s\n\n%s\n\n", src.Title, src.FullText)
		if utf8.RuneCountInString(b.String()) > briefingBudget {
			break
		}
	}
	text := b.String()
	if r := []rune(text); len(r) > briefingBudget {
		text = string(r[:briefingBudget])
	}
	return text, nil
}

func (g *Generator) writeTranscript(ctx context.Context, episode *models.Episode, profile *models.EpisodeProfile, speakers []*models.SpeakerProfile, material string, creds credentials.Credentials) (string, error) {
	ref, err := g.chatModel(ctx, episode.Owner)
	if err != nil {
		return "", err
	}
	model, err := g.models.ChatModel(ctx, ref, creds)
	if err != nil {
		return "", err
	}

	var prompt strings.Builder
	fmt.Fprintf(&prompt, "Write a podcast transcript titled %q.\n\n", episode.Name)
	if profile.Briefing != "" {
		fmt.Fprintf(&prompt, "Briefing: %s\n\n", profile.Briefing)
	}
	prompt.WriteString("Speakers:\n")
	for _, sp := range speakers {
		fmt.Fprintf(&prompt, "- %s: %s\n", sp.Name, sp.Personality)
	}
	segments := profile.SegmentCount
	if segments <= 0 {
		segments = 5
	}
	fmt.Fprintf(&prompt, "\nStructure the conversation in about %d segments.\n", segments)
	prompt.WriteString("Format every line exactly as \"<Speaker Name>: <line>\" with no narration outside the dialogue.\n")
	if material != "" {
		fmt.Fprintf(&prompt, "\nSource material:\n\n%s", material)
	}

	return model.Generate(ctx, []ai.Message{{Role: models.RoleUser, Content: prompt.String()}}, nil)
}

// synthesize renders the transcript line by line in each speaker's voice
// and concatenates the audio. Lines that name no known speaker fall back
// to the first voice.
func (g *Generator) synthesize(ctx context.Context, transcript string, speakers []*models.SpeakerProfile, creds credentials.Credentials) ([]byte, error) {
	speech, err := g.models.Speech(creds)
	if err != nil {
		return nil, err
	}

	var out bytes.Buffer
	for _, line := range strings.Split(transcript, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		voiceID, text := speakerLine(line, speakers)
		if text == "" {
			continue
		}
		audio, err := speech.Synthesize(ctx, voiceID, text)
		if err != nil {
			return nil, err
		}
		out.Write(audio)
	}
	if out.Len() == 0 {
		return nil, errors.New("transcript produced no audio")
	}
	return out.Bytes(), nil
}

// speakerLine splits "<Speaker Name>: <line>" into the matching voice id
// and the spoken text.
func speakerLine(line string, speakers []*models.SpeakerProfile) (voiceID, text string) {
	if name, rest, ok := strings.Cut(line, ":"); ok {
		name = strings.TrimSpace(strings.TrimLeft(name, "*# "))
		for _, sp := range speakers {
			if strings.EqualFold(name, sp.Name) {
				return sp.VoiceID, strings.TrimSpace(rest)
			}
		}
	}
	return speakers[0].VoiceID, line
}

func (g *Generator) chatModel(ctx context.Context, owner string) (ai.ModelRef, error) {
	name := ai.DefaultChatModel
	if cfg, err := g.store.GetModelConfig(ctx, owner); err == nil && cfg.ChatModel != "" {
		name = cfg.ChatModel
	} else if err != nil && !store.IsNotFound(err) {
		return ai.ModelRef{}, err
	}
	return ai.ParseModelRef(name)
}
