package gate

import (
	"context"
	"errors"
	"fmt"

	"github.com/hitoshi/publishgate/internal/content"
	"github.com/hitoshi/publishgate/internal/model"
)

// ErrNotAccepted は受理されていない判定で投稿しようとしたことを表す。
var ErrNotAccepted = errors.New("gate decision is not accepted")

// Submission は投稿先に渡す受理済み文書。
type Submission struct {
	RequestID string
	Document  model.ParsedDocument
	// Rendered はメタデータブロック付きで組み立て直した文書。言語は適用言語で出力する。
	Rendered string
}

// Publisher は受理済み文書を外部の投稿先に渡すアダプタ。
// Gate自身はPublisherを呼び出さない。
type Publisher interface {
	Publish(ctx context.Context, sub Submission) error
}

// PublishIfAccepted は受理済みの判定に限り、文書をPublisherに渡す。
func PublishIfAccepted(ctx context.Context, decision model.GateDecision, p Publisher) error {
	if !decision.Accepted || decision.Document == nil {
		return fmt.Errorf("%w: request %s", ErrNotAccepted, decision.RequestID)
	}

	doc := *decision.Document
	rendered, err := content.Render(doc.Metadata, doc.Body)
	if err != nil {
		return fmt.Errorf("failed to render request %s: %w", decision.RequestID, err)
	}

	sub := Submission{RequestID: decision.RequestID, Document: doc, Rendered: rendered}
	if err := p.Publish(ctx, sub); err != nil {
		return fmt.Errorf("failed to publish request %s: %w", decision.RequestID, err)
	}
	return nil
}
