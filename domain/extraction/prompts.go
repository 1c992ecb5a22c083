package extraction

import (
	"bytes"
	"embed"
	"fmt"

	"github.com/aymerick/raymond"
	"gopkg.in/yaml.v3"
)

//go:embed templates/*.md
var promptFS embed.FS

// promptMeta is the YAML frontmatter carried by each prompt template.
type promptMeta struct {
	Name        string `yaml:"name"`
	Description string `yaml:"description"`
	Version     int    `yaml:"version"`
}

type promptTemplate struct {
	meta promptMeta
	tpl  *raymond.Template
}

// PromptRenderer renders the system and user prompts for one extraction.
type PromptRenderer struct {
	system *promptTemplate
	user   *promptTemplate
}

// NewPromptRenderer loads and compiles the embedded prompt templates.
func NewPromptRenderer() (*PromptRenderer, error) {
	system, err := loadPromptTemplate("templates/system.md")
	if err != nil {
		return nil, err
	}
	user, err := loadPromptTemplate("templates/user.md")
	if err != nil {
		return nil, err
	}
	return &PromptRenderer{system: system, user: user}, nil
}

// SystemPrompt returns the rendered system instruction.
func (r *PromptRenderer) SystemPrompt() (string, error) {
	return r.system.tpl.Exec(nil)
}

// UserPrompt composes the per-chunk prompt from the entity context and the
// resolved chunk text.
func (r *PromptRenderer) UserPrompt(entity *EntityContext, text string) (string, error) {
	rels := make([]map[string]any, 0, len(entity.Relationships))
	for _, rel := range entity.Relationships {
		peerLabel := rel.PeerLabel
		if peerLabel == "" {
			peerLabel = rel.Peer
		}
		rels = append(rels, map[string]any{
			"predicate":  rel.Predicate,
			"direction":  rel.Direction,
			"peer_label": peerLabel,
		})
	}

	ctx := map[string]any{
		"entity": map[string]any{
			"id":          entity.ID,
			"type":        entity.Type,
			"label":       entity.Label,
			"description": entity.Description,
		},
		"relationships": rels,
		"text":          text,
	}

	return r.user.tpl.Exec(ctx)
}

// Version returns the user template version for logging.
func (r *PromptRenderer) Version() int {
	return r.user.meta.Version
}

func loadPromptTemplate(path string) (*promptTemplate, error) {
	content, err := promptFS.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read prompt template %s: %w", path, err)
	}

	meta, body, err := parsePromptFrontmatter(content)
	if err != nil {
		return nil, fmt.Errorf("prompt template %s: %w", path, err)
	}

	tpl, err := raymond.Parse(body)
	if err != nil {
		return nil, fmt.Errorf("failed to compile prompt template %s: %w", path, err)
	}

	return &promptTemplate{meta: meta, tpl: tpl}, nil
}

func parsePromptFrontmatter(content []byte) (promptMeta, string, error) {
	var meta promptMeta

	if !bytes.HasPrefix(content, []byte("---\n")) {
		return meta, string(content), nil
	}

	parts := bytes.SplitN(content[4:], []byte("\n---\n"), 2)
	if len(parts) != 2 {
		return meta, string(content), fmt.Errorf("invalid frontmatter: missing closing delimiter")
	}

	if err := yaml.Unmarshal(parts[0], &meta); err != nil {
		return meta, string(content), fmt.Errorf("failed to parse frontmatter: %w", err)
	}

	return meta, string(parts[1]), nil
}
