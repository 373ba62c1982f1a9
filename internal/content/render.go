package content

import (
	"fmt"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/hitoshi/publishgate/internal/model"
)

// frontMatter は既知キーの出力順序を固定する。
type frontMatter struct {
	Title        string   `yaml:"title,omitempty"`
	Subtitle     string   `yaml:"subtitle,omitempty"`
	Tags         []string `yaml:"tags,omitempty"`
	Language     string   `yaml:"language,omitempty"`
	Draft        bool     `yaml:"draft,omitempty"`
	PublishedAt  string   `yaml:"published_at,omitempty"`
	CanonicalURL string   `yaml:"canonical_url,omitempty"`
}

// Render はメタデータと本文を、Parseで元に戻せる文書に組み立てる。
// 本文はそのまま連結するため、Parse(Render(m, body)).Body == body が成り立つ。
// 公開先プラットフォームへの受け渡しに使用する。
// EffectiveLanguageが設定されている場合は、languageとしてそちらを出力する。
func Render(meta model.Metadata, body string) (string, error) {
	lang := meta.Language
	if meta.EffectiveLanguage != "" {
		lang = meta.EffectiveLanguage
	}
	fm := frontMatter{
		Title:        meta.Title,
		Subtitle:     meta.Subtitle,
		Tags:         meta.Tags,
		Language:     lang,
		Draft:        meta.Draft,
		CanonicalURL: meta.CanonicalURL,
	}
	if meta.PublishedAt != nil {
		fm.PublishedAt = meta.PublishedAt.UTC().Format(time.RFC3339)
	}

	var b strings.Builder
	b.WriteString(boundaryMarker + "\n")

	if !fm.empty() {
		out, err := yaml.Marshal(fm)
		if err != nil {
			return "", fmt.Errorf("failed to encode metadata: %w", err)
		}
		b.Write(out)
	}
	if len(meta.Extra) > 0 {
		out, err := yaml.Marshal(meta.Extra)
		if err != nil {
			return "", fmt.Errorf("failed to encode extra metadata: %w", err)
		}
		b.Write(out)
	}

	b.WriteString(boundaryMarker + "\n")
	b.WriteString(body)
	return b.String(), nil
}

func (f frontMatter) empty() bool {
	return f.Title == "" && f.Subtitle == "" && len(f.Tags) == 0 && f.Language == "" &&
		!f.Draft && f.PublishedAt == "" && f.CanonicalURL == ""
}
