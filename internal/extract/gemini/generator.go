package gemini

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"

	"google.golang.org/genai"

	"github.com/shpitdev/mail-attachment-pipeline/internal/attachment"
	"github.com/shpitdev/mail-attachment-pipeline/internal/extract"
	"github.com/shpitdev/mail-attachment-pipeline/pkg/pipeline/core"
)

type Config struct {
	APIKey string
	Model  string

	// BaseURL overrides the Gemini API base URL. Takes precedence over the gateway.
	BaseURL string

	// AccountID and GatewayName route requests through an AI gateway when both are set.
	AccountID   string
	GatewayName string
}

// ResolveBaseURL returns the base URL the client should use, or "" for the SDK default.
func (c Config) ResolveBaseURL() string {
	if v := strings.TrimSpace(c.BaseURL); v != "" {
		return v
	}
	account := strings.TrimSpace(c.AccountID)
	gateway := strings.TrimSpace(c.GatewayName)
	if account == "" || gateway == "" {
		return ""
	}
	return fmt.Sprintf("https://gateway.ai.cloudflare.com/v1/%s/%s/google-ai-studio", account, gateway)
}

type Generator struct {
	client *genai.Client
	model  string
}

func New(ctx context.Context, cfg Config) (*Generator, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, fmt.Errorf("GEMINI_API_KEY is required")
	}
	if strings.TrimSpace(cfg.Model) == "" {
		return nil, fmt.Errorf("GEMINI_MODEL is required")
	}

	cc := &genai.ClientConfig{
		APIKey:  strings.TrimSpace(cfg.APIKey),
		Backend: genai.BackendGeminiAPI,
	}
	if u := cfg.ResolveBaseURL(); u != "" {
		cc.HTTPOptions.BaseURL = u
	}

	client, err := genai.NewClient(ctx, cc)
	if err != nil {
		return nil, err
	}
	return &Generator{
		client: client,
		model:  strings.TrimSpace(cfg.Model),
	}, nil
}

// Instructions sent ahead of the document. The model must answer with an empty string
// when the file is not a vehicle registration notice.
var instructions = []string{
	"このファイルが登録識別情報等通知書であるか確認してください。でなければ空文字列を返してください。",
	"このファイルから有効期間の満了する日を抽出してください。有効期間満了元号、有効期間満了年、有効期間満了月、有効期間満了日で抽出してください。",
	"このファイルから車検証の車台番号を抽出してください。",
	"出力はjson形式で、以下のキーを含むオブジェクトを返してください。",
	"CarId: 車検証の車台番号を抽出した結果",
	"ValidPeriodExpirdateE:有効期間満了元号",
	"ValidPeriodExpirdateY:有効期間満了年",
	"ValidPeriodExpirdateM:有効期間満了月",
	"ValidPeriodExpirdateD:有効期間満了日",
	"IsValidPeriodExpirdate: 有効期間満了日が抽出できたかどうか",
	"IsCarId: 車検証の車台番号が抽出できたかどうか",
}

var outputSchema = &genai.Schema{
	Type: genai.TypeObject,
	Properties: map[string]*genai.Schema{
		extract.FieldCarID:         {Type: genai.TypeString},
		extract.FieldExpiryEra:     {Type: genai.TypeString},
		extract.FieldExpiryYear:    {Type: genai.TypeString},
		extract.FieldExpiryMonth:   {Type: genai.TypeString},
		extract.FieldExpiryDay:     {Type: genai.TypeString},
		extract.FieldHasExpiryDate: {Type: genai.TypeBoolean},
		extract.FieldHasCarID:      {Type: genai.TypeBoolean},
	},
}

func (g *Generator) Generate(ctx context.Context, att attachment.Attachment) (string, error) {
	resp, err := g.client.Models.GenerateContent(
		ctx,
		g.model,
		buildContents(att),
		&genai.GenerateContentConfig{
			CandidateCount:   1,
			ResponseMIMEType: "application/json",
			ResponseSchema:   outputSchema,
		},
	)
	if err != nil {
		return "", classifyErr(err)
	}
	if resp == nil {
		return "", nil
	}
	return resp.Text(), nil
}

func buildContents(att attachment.Attachment) []*genai.Content {
	parts := make([]*genai.Part, 0, len(instructions)+1)
	for _, text := range instructions {
		parts = append(parts, &genai.Part{Text: text})
	}
	parts = append(parts, &genai.Part{InlineData: &genai.Blob{MIMEType: att.MIMEType, Data: att.Content}})
	return []*genai.Content{{Role: "user", Parts: parts}}
}

func classifyErr(err error) error {
	// Wrap transient failures so the worker pool will retry with backoff.
	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		if apiErr.Code == 429 || apiErr.Code/100 == 5 {
			return &core.TransientError{Err: err}
		}
		return err
	}
	var ne net.Error
	if errors.As(err, &ne) && (ne.Timeout() || ne.Temporary()) {
		return &core.TransientError{Err: err}
	}
	return err
}
