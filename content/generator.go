package content

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"
	"unicode"

	"github.com/InjectiveLabs/metrics"
	log "github.com/InjectiveLabs/suplog"
	"github.com/pkg/errors"

	"github.com/TulparLabs/tulpar-autopost/internal/httputil"
)

// systemPrompt instructs the model to translate the title and describe the
// product in Russian. Prices are excluded, the pipeline appends them itself.
const systemPrompt = `Ты — переводчик и описатель товаров для Telegram канала.
Твоя задача — ПЕРЕВЕСТИ название товара на русский и написать понятное описание.

ВАЖНО:
1. ПЕРЕВЕДИ название товара на русский язык
2. Опиши ЧТО ЭТО за товар простыми словами
3. ОБЯЗАТЕЛЬНО укажи примерные характеристики: вес, размеры, материал
4. НЕ пиши цены - они добавятся автоматически

ФОРМАТ ОТВЕТА:
🛒 [Название на русском]

[Описание товара 2-3 предложения]

📏 Характеристики:
• Размер: [примерный размер]
• Вес: [примерный вес]
• Материал: [материал]

📩 Для заказа: @%s

ЗАПРЕЩЕНО:
- Оставлять английские/китайские слова
- Писать "надёжный продавец", "хит продаж", "отличное качество"
- Писать цены`

const fallbackTemplate = "🛒 %s\n\n📩 Для заказа: @%s"

// GeneratorInput carries everything the user prompt needs for one product.
type GeneratorInput struct {
	ProductID string
	Title     string
	Price     int64
	OldPrice  int64
}

type GeneratorConfig struct {
	BaseURL string
	APIKey  string
	Model   string
	Contact string
	Timeout time.Duration
}

func checkGeneratorConfig(cfg *GeneratorConfig) *GeneratorConfig {
	if cfg == nil {
		cfg = &GeneratorConfig{}
	}

	if len(cfg.BaseURL) == 0 {
		cfg.BaseURL = "https://openrouter.ai/api/v1"
	}
	if len(cfg.Model) == 0 {
		cfg.Model = "gpt-4o"
	}
	if len(cfg.Contact) == 0 {
		cfg.Contact = "tulpar_express"
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}

	return cfg
}

// Generator produces Russian marketing copy through a chat-completion
// endpoint, substituting a deterministic template when the call fails.
type Generator struct {
	client *http.Client
	config *GeneratorConfig

	logger  log.Logger
	svcTags metrics.Tags
}

func NewGenerator(cfg *GeneratorConfig) *Generator {
	cfg = checkGeneratorConfig(cfg)

	return &Generator{
		client: httputil.NewClient(cfg.Timeout),
		config: cfg,

		logger: log.WithField("svc", "content"),
		svcTags: metrics.Tags{
			"svc": "content",
		},
	}
}

// Generate returns a description for one product. The second return value
// tells the caller whether the fallback template had to be used.
func (g *Generator) Generate(ctx context.Context, in GeneratorInput) (string, bool) {
	metrics.ReportFuncCall(g.svcTags)
	doneFn := metrics.ReportFuncTiming(g.svcTags)
	defer doneFn()

	text, err := g.callModel(ctx, in)
	if err != nil {
		metrics.ReportFuncError(g.svcTags)
		g.logger.WithError(err).WithFields(log.Fields{
			"product_id": in.ProductID,
		}).Warningln("chat completion failed, using template")

		return g.Fallback(in.Title), true
	}

	return text, false
}

// GenerateBatch runs sequentially to respect upstream rate limits. The
// returned slice is parallel to the input; fallbackUsed is set when any item
// degraded to the template.
func (g *Generator) GenerateBatch(ctx context.Context, inputs []GeneratorInput) (texts []string, fallbackUsed bool) {
	texts = make([]string, 0, len(inputs))
	for _, in := range inputs {
		text, degraded := g.Generate(ctx, in)
		texts = append(texts, text)
		fallbackUsed = fallbackUsed || degraded
	}
	return texts, fallbackUsed
}

// Fallback renders the template description from the raw title.
func (g *Generator) Fallback(title string) string {
	title = strings.TrimSpace(title)
	if len([]rune(title)) > 80 {
		title = string([]rune(title)[:80])
	}
	title = upperFirst(title)

	return fmt.Sprintf(fallbackTemplate, title, g.config.Contact)
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	MaxTokens   int           `json:"max_tokens"`
	Temperature float64       `json:"temperature"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
}

func (g *Generator) callModel(ctx context.Context, in GeneratorInput) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, g.config.Timeout)
	defer cancel()

	savings := in.OldPrice - in.Price
	userPrompt := fmt.Sprintf(
		"Товар: %s\n\nЦЕНЫ:\n- Было: %d сом\n- Стало: %d сом\n- Экономия: %d сом\n\nНапиши короткое цепляющее описание с акцентом на выгоду.",
		in.Title, in.OldPrice, in.Price, savings)

	payload := chatRequest{
		Model: g.config.Model,
		Messages: []chatMessage{
			{Role: "system", Content: fmt.Sprintf(systemPrompt, g.config.Contact)},
			{Role: "user", Content: userPrompt},
		},
		MaxTokens:   200,
		Temperature: 0.7,
	}

	respBody, _, err := httputil.DoJSON(ctx, g.client, g.logger,
		http.MethodPost, g.config.BaseURL+"/chat/completions", payload,
		map[string]string{
			"Authorization": "Bearer " + g.config.APIKey,
		})
	if err != nil {
		return "", err
	}

	var chatResp chatResponse
	if err := json.Unmarshal(respBody, &chatResp); err != nil {
		return "", errors.Wrap(err, "failed to unmarshal chat completion response")
	}

	if len(chatResp.Choices) == 0 {
		return "", errors.New("empty choices in chat completion response")
	}

	text := strings.TrimSpace(chatResp.Choices[0].Message.Content)
	if text == "" {
		return "", errors.New("empty content in chat completion response")
	}

	return text, nil
}

func upperFirst(s string) string {
	runes := []rune(s)
	if len(runes) == 0 {
		return s
	}
	runes[0] = unicode.ToUpper(runes[0])
	return string(runes)
}
