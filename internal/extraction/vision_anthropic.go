package extraction

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

const visionPrompt = `You read photographed Korean supplier transaction statements (거래명세서).
Reply with a single JSON object and nothing else. Fields:
statement_date (YYYY-MM-DD or null), vendor_name, total_amount, tax_amount, grand_total,
raw_text (every order number or note you can see, verbatim),
items: [{line_number, item_name, specification, quantity, unit_price, amount, tax_amount, po_number, remark, confidence: "low"|"med"|"high"}],
po_ranges: [{po_number, from_line, to_line, source: "bracket"|"handwriting_range"|"margin_range", confidence}].
Purchase order numbers look like F20240115_001, sales orders like HS240115-01.
Use po_ranges when one handwritten or bracketed number covers several lines.
Amounts are plain numbers without separators or currency signs.`

// AnthropicVision asks a Claude model to transcribe a statement photo.
type AnthropicVision struct {
	client anthropic.Client
	model  string
	logger *slog.Logger
}

// NewAnthropicVision returns nil when apiKey is empty so callers can pass the
// result straight to NewImageAdapter.
func NewAnthropicVision(apiKey, model string, logger *slog.Logger) *AnthropicVision {
	if apiKey == "" {
		return nil
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &AnthropicVision{
		client: anthropic.NewClient(option.WithAPIKey(apiKey)),
		model:  model,
		logger: logger,
	}
}

// Read implements Vision.
func (v *AnthropicVision) Read(ctx context.Context, mediaType string, image []byte) (string, error) {
	message, err := v.client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     anthropic.Model(v.model),
		MaxTokens: 4096,
		System: []anthropic.TextBlockParam{
			{Text: visionPrompt, CacheControl: anthropic.NewCacheControlEphemeralParam()},
		},
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(
				anthropic.NewImageBlockBase64(mediaType, base64.StdEncoding.EncodeToString(image)),
				anthropic.NewTextBlock("Transcribe this statement."),
			),
		},
	})
	if err != nil {
		return "", fmt.Errorf("anthropic: %w", err)
	}
	for _, block := range message.Content {
		if block.Type == "text" {
			v.logger.Debug("vision reply",
				slog.Int("size", len(block.Text)),
				slog.Int64("tokens_in", message.Usage.InputTokens),
				slog.Int64("tokens_out", message.Usage.OutputTokens))
			return block.Text, nil
		}
	}
	return "", errors.New("anthropic: no text content in response")
}
