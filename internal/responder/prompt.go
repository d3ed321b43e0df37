package responder

import (
	"context"
	"fmt"
	"strings"

	"github.com/lumi-journal/lumi/internal/persona"
	"github.com/lumi-journal/lumi/pkg/provider/llm"
	"github.com/lumi-journal/lumi/pkg/types"
)

const basePrompt = `You are Lumi, a warm and curious voice journaling companion.
Your replies are spoken aloud, so keep them to two or three short sentences without lists, markdown or emojis.
Reflect back what you heard, stay with the user's feelings and usually end with one gentle open question.
Never diagnose or give medical advice. If the user mentions self-harm, encourage them to contact local emergency services or a crisis line.`

// SystemPrompt builds the reply prompt from the user's persona and any
// reflections recalled from related past sessions.
func SystemPrompt(st persona.State, reflections []string) string {
	var b strings.Builder
	b.WriteString(basePrompt)

	var about []string
	if st.PreferredName != "" {
		about = append(about, "Call the user "+st.PreferredName+".")
	}
	if st.TonePreferences != "" {
		about = append(about, "Preferred tone: "+st.TonePreferences+".")
	}
	if st.ReflectionFocus != "" {
		about = append(about, "They want to reflect on: "+st.ReflectionFocus+".")
	}
	if st.PersonalitySnapshot != "" {
		about = append(about, "What you know about them:\n"+lastLines(st.PersonalitySnapshot, 5))
	}
	if len(about) > 0 {
		b.WriteString("\n\nAbout the user:\n")
		b.WriteString(strings.Join(about, "\n"))
	}

	if len(reflections) > 0 {
		b.WriteString("\n\nReflections from earlier sessions (mention them only when relevant):\n")
		for _, r := range reflections {
			fmt.Fprintf(&b, "- %s\n", r)
		}
	}
	return b.String()
}

// lastLines keeps the newest n lines of an appended note.
func lastLines(s string, n int) string {
	lines := strings.Split(strings.TrimSpace(s), "\n")
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return strings.Join(lines, "\n")
}

const extractionPrompt = `You maintain a short profile of a journaling app user.
Given the current profile and the latest exchange, return a JSON object with only the fields you learned something NEW about:
  "preferred_name": the name they want to be called,
  "tone_preferences": how they like to be spoken to,
  "reflection_focus": what they currently want to reflect on,
  "personality_snapshot": one sentence about their personality or circumstances,
  "conversational_notes": one sentence about this exchange worth remembering.
Omit unknown or unchanged fields. Return {} when nothing new was learned.`

// extraction mirrors the JSON the extraction prompt asks for.
type extraction struct {
	PreferredName       string `json:"preferred_name"`
	TonePreferences     string `json:"tone_preferences"`
	ReflectionFocus     string `json:"reflection_focus"`
	PersonalitySnapshot string `json:"personality_snapshot"`
	ConversationalNotes string `json:"conversational_notes"`
}

func (x extraction) update(current persona.State) persona.Update {
	var u persona.Update
	changed := func(v, cur string) *string {
		v = strings.TrimSpace(v)
		if v == "" || strings.EqualFold(v, cur) {
			return nil
		}
		return &v
	}
	u.PreferredName = changed(x.PreferredName, current.PreferredName)
	u.TonePreferences = changed(x.TonePreferences, current.TonePreferences)
	u.ReflectionFocus = changed(x.ReflectionFocus, current.ReflectionFocus)
	u.PersonalitySnapshot = changed(x.PersonalitySnapshot, "")
	u.ConversationalNotes = changed(x.ConversationalNotes, "")
	return u
}

func (r *Responder) updatePersona(ctx context.Context, userID string, st persona.State, userText, aiText string) error {
	var b strings.Builder
	fmt.Fprintf(&b, "Current profile:\npreferred_name: %s\ntone_preferences: %s\nreflection_focus: %s\n\n",
		st.PreferredName, st.TonePreferences, st.ReflectionFocus)
	fmt.Fprintf(&b, "Latest exchange:\nUser: %s\nLumi: %s\n", userText, aiText)

	resp, err := r.extractor.Complete(ctx, llm.CompletionRequest{
		SystemPrompt: extractionPrompt,
		Messages:     []types.Message{{Role: types.RoleUser, Content: b.String()}},
		Temperature:  0.2,
		MaxTokens:    300,
		JSON:         true,
	})
	if err != nil {
		return fmt.Errorf("extract: %w", err)
	}
	var x extraction
	if err := llm.ExtractJSON(resp.Content, &x); err != nil {
		return fmt.Errorf("extract: %w", err)
	}
	u := x.update(st)
	if u.IsEmpty() {
		return nil
	}
	if _, err := r.personas.Apply(ctx, userID, u); err != nil {
		return fmt.Errorf("apply: %w", err)
	}
	return nil
}
