package autopost

import (
	"context"
	"fmt"
	"html"
	"strings"
	"time"

	"github.com/InjectiveLabs/metrics"
	log "github.com/InjectiveLabs/suplog"

	"github.com/TulparLabs/tulpar-autopost/telegram"
)

// OperatorMessenger is the slice of the chat gateway the notifier needs.
type OperatorMessenger interface {
	NotifyOperators(ctx context.Context, chatIDs []string, text string) error
}

// stageRecommendations maps a failed stage to canned operator advice.
// Raw upstream errors never reach end users; operators get these instead.
var stageRecommendations = map[string][]string{
	StageFetch: {
		"Проверьте ключ RapidAPI и дневную квоту",
		"Убедитесь, что маркетплейс доступен",
	},
	StageConvert: {
		"Проверьте доступность сервиса курсов валют",
		"Убедитесь, что в базе есть сохранённый курс",
	},
	StageGenerate: {
		"Проверьте ключ OpenRouter и лимиты модели",
	},
	StageDownload: {
		"Проверьте доступность CDN изображений",
		"Возможно, ссылки на изображения устарели",
	},
	StageCompose: {
		"Проверьте наличие шрифтов с кириллицей на сервере",
	},
	StageBroadcast: {
		"Проверьте токен бота и права в канале",
		"Убедитесь, что CHANNEL_ID указан верно",
	},
	StageMirror: {
		"Проверьте токен Instagram и срок его действия",
		"Убедитесь, что аккаунт имеет право публикации",
	},
	StagePersist: {
		"Проверьте подключение к базе данных",
	},
}

var defaultRecommendations = []string{
	"Проверьте логи сервиса",
	"Повторите запуск вручную командой probe",
}

type NotifierConfig struct {
	ChannelID     string
	OperatorChats []string
}

// Notifier turns pipeline reports into Russian-language operator messages.
type Notifier struct {
	config    *NotifierConfig
	messenger OperatorMessenger

	logger  log.Logger
	svcTags metrics.Tags
}

func NewNotifier(cfg *NotifierConfig, messenger OperatorMessenger) *Notifier {
	if cfg == nil {
		cfg = &NotifierConfig{}
	}

	return &Notifier{
		config:    cfg,
		messenger: messenger,

		logger: log.WithField("svc", "notify"),
		svcTags: metrics.Tags{
			"svc": "notify",
		},
	}
}

// Report delivers the run summary: a success message, optionally followed by
// a partial-failure note, or an error message with recommendations.
func (n *Notifier) Report(ctx context.Context, report *PipelineReport) error {
	metrics.ReportFuncCall(n.svcTags)

	if !report.Success {
		return n.messenger.NotifyOperators(ctx, n.config.OperatorChats, n.errorText(report))
	}

	if err := n.messenger.NotifyOperators(ctx, n.config.OperatorChats, n.successText(report)); err != nil {
		return err
	}

	if partial := n.partialText(report); len(partial) > 0 {
		if err := n.messenger.NotifyOperators(ctx, n.config.OperatorChats, partial); err != nil {
			n.logger.WithError(err).Warningln("failed to deliver partial-failure note")
		}
	}

	return nil
}

func (n *Notifier) successText(report *PipelineReport) string {
	var b strings.Builder

	b.WriteString("✅ <b>Пост опубликован!</b>\n\n")
	fmt.Fprintf(&b, "📦 Товаров: %d\n", report.ProductCount)
	fmt.Fprintf(&b, "🕐 Время: %s\n", report.Elapsed.Round(100*time.Millisecond).String())

	if report.BroadcastMessageID > 0 {
		link := telegram.BuildPostLink(n.config.ChannelID, report.BroadcastMessageID)
		fmt.Fprintf(&b, "🔗 %s", link)
	}

	return strings.TrimRight(b.String(), "\n")
}

func (n *Notifier) partialText(report *PipelineReport) string {
	var issues []string

	for _, f := range report.FallbacksUsed {
		switch f {
		case FallbackCached:
			issues = append(issues, "маркетплейс недоступен, использован кеш товаров")
		case FallbackCurrencyDB:
			issues = append(issues, "сервис курсов недоступен, использован сохранённый курс")
		case FallbackTemplate:
			issues = append(issues, "генерация текста недоступна, использован шаблон")
		}
	}

	for _, stage := range report.Stages {
		if stage.Stage == StageMirror && !stage.Success {
			issues = append(issues, "зеркальная публикация не удалась (MIRROR_FAILED)")
		}
	}

	if len(issues) == 0 {
		return ""
	}

	var b strings.Builder
	b.WriteString("⚠️ <b>Частичный сбой</b>\n\n")
	for _, issue := range issues {
		fmt.Fprintf(&b, "• %s\n", issue)
	}

	return strings.TrimRight(b.String(), "\n")
}

func (n *Notifier) errorText(report *PipelineReport) string {
	var b strings.Builder

	b.WriteString("❌ <b>Ошибка публикации</b>\n\n")
	fmt.Fprintf(&b, "📍 Этап: %s\n", report.FailedStage)

	if report.Err != nil {
		fmt.Fprintf(&b, "⚠️ %s\n", html.EscapeString(report.Err.Error()))
	}

	recommendations, ok := stageRecommendations[report.FailedStage]
	if !ok {
		recommendations = defaultRecommendations
	}

	b.WriteString("\n💡 Рекомендации:\n")
	for _, rec := range recommendations {
		fmt.Fprintf(&b, "• %s\n", rec)
	}

	fmt.Fprintf(&b, "\n🕐 Время: %s", report.Elapsed.Round(100*time.Millisecond).String())

	return b.String()
}
