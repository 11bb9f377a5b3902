package main

import (
	"context"
	"time"

	log "github.com/InjectiveLabs/suplog"
	cli "github.com/jawher/mow.cli"
	"github.com/xlab/closer"

	"github.com/TulparLabs/tulpar-autopost/autopost"
	"github.com/TulparLabs/tulpar-autopost/content"
	"github.com/TulparLabs/tulpar-autopost/instagram"
	"github.com/TulparLabs/tulpar-autopost/marketplace"
	"github.com/TulparLabs/tulpar-autopost/media"
	"github.com/TulparLabs/tulpar-autopost/pricing"
	"github.com/TulparLabs/tulpar-autopost/store"
	"github.com/TulparLabs/tulpar-autopost/telegram"
)

// probeCmd action runs one full pipeline pass immediately, printing the report.
//
// $ tulpar-autopost probe [CATEGORY]
func probeCmd(cmd *cli.Cmd) {
	category := cmd.StringArg("CATEGORY", "", "Category to post instead of the daily rotation. Optional.")
	dryRun := cmd.BoolOpt("dry-run", false, "Run every stage but log publishes instead of sending them.")
	cmd.Spec = "[--dry-run] [CATEGORY]"

	var (
		rapidAPIKey *string
		maxProducts *int

		minDiscount *int
		minRating   *string
		topLimit    *int

		openRouterAPIKey *string
		openAIModel      *string
		openAITimeout    *string
		contactUsername  *string

		botToken    *string
		channelID   *string
		adminChatID *string

		igAccessToken *string
		igAccountID   *string

		databaseURL *string
	)

	initMarketplaceOptions(cmd, &rapidAPIKey, &maxProducts)
	initFilterOptions(cmd, &minDiscount, &minRating, &topLimit)
	initContentOptions(cmd, &openRouterAPIKey, &openAIModel, &openAITimeout, &contactUsername)
	initTelegramOptions(cmd, &botToken, &channelID, &adminChatID)
	initInstagramOptions(cmd, &igAccessToken, &igAccountID)
	initStorageOptions(cmd, &databaseURL)

	cmd.Action = func() {
		ctx := context.Background()
		// ensure a clean exit
		defer closer.Close()

		var db *store.Store
		if len(*databaseURL) > 0 {
			connCtx, cancelConn := context.WithTimeout(ctx, 15*time.Second)
			defer cancelConn()

			var err error
			db, err = store.New(connCtx, *databaseURL)
			panicIf(err, "failed to connect to database")

			panicIf(db.EnsureSchema(connCtx), "failed to ensure database schema")

			closer.Bind(func() {
				db.Close()
			})
		}

		var mirror autopost.MirrorPublisher
		if len(*igAccessToken) > 0 && len(*igAccountID) > 0 {
			mirror = instagram.NewClient(&instagram.Config{
				AccessToken: *igAccessToken,
				AccountID:   *igAccountID,
			})
		}

		tg := telegram.NewClient(&telegram.Config{
			Token: *botToken,
		})

		var broadcaster autopost.Broadcaster = tg
		var operators autopost.OperatorMessenger = tg
		if *dryRun {
			dry := &dryRunPublisher{}
			broadcaster = dry
			operators = dry
			if mirror != nil {
				mirror = dry
			}
		}

		downloader, err := media.NewDownloader()
		panicIf(err, "failed to init image downloader")

		var rateStore pricing.RateStore
		var pipelineStore autopost.PipelineStore
		if db != nil {
			rateStore = db
			pipelineStore = db
		}

		pipeline := autopost.NewPipeline(&autopost.PipelineConfig{
			ChannelID:   *channelID,
			MaxProducts: *maxProducts,
			Filter: &autopost.FilterConfig{
				MinDiscount: *minDiscount,
				MinRating:   float64FromString(*minRating, 4.0),
				TopLimit:    *topLimit,
			},
		}, &autopost.PipelineDeps{
			Primary: marketplace.NewPinduoduoClient(&marketplace.PinduoduoConfig{
				APIKey: *rapidAPIKey,
			}),
			Secondary: marketplace.NewTaobaoClient(&marketplace.TaobaoConfig{
				APIKey: *rapidAPIKey,
			}),
			Feed: pricing.NewConverter(nil, rateStore),
			Generator: content.NewGenerator(&content.GeneratorConfig{
				APIKey:  *openRouterAPIKey,
				Model:   *openAIModel,
				Contact: *contactUsername,
				Timeout: duration(*openAITimeout, 30*time.Second),
			}),
			Downloader:  downloader,
			Compositor:  media.NewCompositor(nil),
			Broadcaster: broadcaster,
			Mirror:      mirror,
			Store:       pipelineStore,
			Notifier: autopost.NewNotifier(&autopost.NotifierConfig{
				ChannelID:     *channelID,
				OperatorChats: splitList(*adminChatID),
			}, operators),
		})

		// the run goes through the same single-instance gate the daemon uses
		svc, err := autopost.NewService(nil, pipeline)
		panicIf(err, "failed to init run gate")

		runCtx, cancelRun := context.WithTimeout(ctx, 30*time.Minute)
		defer cancelRun()

		report, ran := svc.TriggerRun(runCtx, *category)
		if !ran {
			log.Errorln("a pipeline run is already active")
			return
		}

		reportLogger := log.WithFields(log.Fields{
			"products":  report.ProductCount,
			"elapsed":   report.Elapsed.String(),
			"fallbacks": report.FallbacksUsed,
		})

		if !report.Success {
			reportLogger.WithError(report.Err).WithFields(log.Fields{
				"stage": report.FailedStage,
			}).Errorln("probe run failed")
			return
		}

		reportLogger.WithFields(log.Fields{
			"broadcast_message_id": report.BroadcastMessageID,
			"mirror_post_id":       report.MirrorPostID,
		}).Infoln("probe run finished")
	}
}

// dryRunPublisher logs publishes instead of sending them.
type dryRunPublisher struct{}

func (d *dryRunPublisher) SendMessage(_ context.Context, chatID, text string) (int64, error) {
	log.WithFields(log.Fields{
		"chat_id": chatID,
		"runes":   len([]rune(text)),
	}).Infoln("[dry-run] sendMessage")
	return 1, nil
}

func (d *dryRunPublisher) SendMediaGroup(_ context.Context, chatID string, photoPaths, _ []string) (int64, error) {
	log.WithFields(log.Fields{
		"chat_id": chatID,
		"photos":  len(photoPaths),
	}).Infoln("[dry-run] sendMediaGroup")
	return 1, nil
}

func (d *dryRunPublisher) PublishCarousel(_ context.Context, imageURLs []string, _ string) (string, error) {
	log.WithFields(log.Fields{
		"images": len(imageURLs),
	}).Infoln("[dry-run] publishCarousel")
	return "dry-run", nil
}

func (d *dryRunPublisher) NotifyOperators(_ context.Context, chatIDs []string, text string) error {
	log.WithFields(log.Fields{
		"chats": len(chatIDs),
	}).Infoln("[dry-run] operator report:\n" + text)
	return nil
}
