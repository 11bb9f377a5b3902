package main

import (
	"context"
	"net/http"
	"os"
	"strings"
	"time"

	log "github.com/InjectiveLabs/suplog"
	"github.com/gorilla/mux"
	cli "github.com/jawher/mow.cli"
	"github.com/xlab/closer"

	"github.com/TulparLabs/tulpar-autopost/autopost"
	"github.com/TulparLabs/tulpar-autopost/content"
	"github.com/TulparLabs/tulpar-autopost/instagram"
	"github.com/TulparLabs/tulpar-autopost/internal/service/health"
	"github.com/TulparLabs/tulpar-autopost/marketplace"
	"github.com/TulparLabs/tulpar-autopost/media"
	"github.com/TulparLabs/tulpar-autopost/payment"
	"github.com/TulparLabs/tulpar-autopost/pricing"
	"github.com/TulparLabs/tulpar-autopost/store"
	"github.com/TulparLabs/tulpar-autopost/telegram"
)

// startCmd action runs the scheduler and the webhook HTTP server
//
// $ tulpar-autopost start
func startCmd(cmd *cli.Cmd) {
	var (
		// Schedule params
		postingTime      *string
		timezone         *string
		categoryFeedsDir *string

		// Marketplace params
		rapidAPIKey *string
		maxProducts *int

		// Filter params
		minDiscount *int
		minRating   *string
		topLimit    *int

		// Content generation params
		openRouterAPIKey *string
		openAIModel      *string
		openAITimeout    *string
		contactUsername  *string

		// Telegram params
		botToken    *string
		channelID   *string
		adminChatID *string

		// Instagram mirror params
		igAccessToken *string
		igAccountID   *string

		// Payment gateway params
		dengiAPIURL     *string
		dengiSID        *string
		dengiPassword   *string
		dengiAPIVersion *int
		dengiTestMode   *string
		strictSignature *string

		// Storage
		databaseURL *string

		// HTTP server
		listenAddr *string

		// Metrics
		statsdPrefix   *string
		statsdAddr     *string
		statsdStuckDur *string
		statsdMocking  *string
		statsdDisabled *string
	)

	initScheduleOptions(
		cmd,
		&postingTime,
		&timezone,
		&categoryFeedsDir,
	)

	initMarketplaceOptions(
		cmd,
		&rapidAPIKey,
		&maxProducts,
	)

	initFilterOptions(
		cmd,
		&minDiscount,
		&minRating,
		&topLimit,
	)

	initContentOptions(
		cmd,
		&openRouterAPIKey,
		&openAIModel,
		&openAITimeout,
		&contactUsername,
	)

	initTelegramOptions(
		cmd,
		&botToken,
		&channelID,
		&adminChatID,
	)

	initInstagramOptions(
		cmd,
		&igAccessToken,
		&igAccountID,
	)

	initPaymentOptions(
		cmd,
		&dengiAPIURL,
		&dengiSID,
		&dengiPassword,
		&dengiAPIVersion,
		&dengiTestMode,
		&strictSignature,
	)

	initStorageOptions(
		cmd,
		&databaseURL,
	)

	initServerOptions(
		cmd,
		&listenAddr,
	)

	initStatsdOptions(
		cmd,
		&statsdPrefix,
		&statsdAddr,
		&statsdStuckDur,
		&statsdMocking,
		&statsdDisabled,
	)

	cmd.Action = func() {
		ctx := context.Background()
		// ensure a clean exit
		defer closer.Close()

		startMetricsGathering(
			statsdPrefix,
			statsdAddr,
			statsdStuckDur,
			statsdMocking,
			statsdDisabled,
		)

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
		} else {
			log.Warningln("DATABASE_URL is empty, running without persistence")
		}

		rotation := autopost.NewRotation()
		if len(*categoryFeedsDir) > 0 {
			panicIf(rotation.LoadFeeds(*categoryFeedsDir), "failed to load category feeds")
		}

		tg := telegram.NewClient(&telegram.Config{
			Token: *botToken,
		})

		operatorChats := splitList(*adminChatID)

		var mirror autopost.MirrorPublisher
		if len(*igAccessToken) > 0 && len(*igAccountID) > 0 {
			ig := instagram.NewClient(&instagram.Config{
				AccessToken: *igAccessToken,
				AccountID:   *igAccountID,
			})
			mirror = ig

			if _, err := ig.CheckToken(ctx); err != nil {
				log.WithError(err).Warningln("instagram token check failed, mirror may not publish")
			}
		} else {
			log.Infoln("instagram mirror not configured, posts will be broadcast-only")
		}

		downloader, err := media.NewDownloader()
		panicIf(err, "failed to init image downloader")
		closer.Bind(func() {
			downloader.Purge()
		})

		var rateStore pricing.RateStore
		var pipelineStore autopost.PipelineStore
		if db != nil {
			rateStore = db
			pipelineStore = db
		}

		notifier := autopost.NewNotifier(&autopost.NotifierConfig{
			ChannelID:     *channelID,
			OperatorChats: operatorChats,
		}, tg)

		pipeline := autopost.NewPipeline(&autopost.PipelineConfig{
			ChannelID:   *channelID,
			MaxProducts: *maxProducts,
			Filter: &autopost.FilterConfig{
				MinDiscount: *minDiscount,
				MinRating:   float64FromString(*minRating, 4.0),
				TopLimit:    *topLimit,
			},
		}, &autopost.PipelineDeps{
			Rotation: rotation,
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
			Broadcaster: tg,
			Mirror:      mirror,
			Store:       pipelineStore,
			Notifier:    notifier,
		})

		svc, err := autopost.NewService(&autopost.ServiceConfig{
			PostingTime: *postingTime,
			Timezone:    *timezone,
		}, pipeline)
		panicIf(err, "failed to init scheduler")

		panicIf(svc.Start(), "failed to start scheduler")
		closer.Bind(func() {
			svc.Close()
		})

		router := mux.NewRouter()

		gateway := payment.NewClient(&payment.Config{
			APIURL:     *dengiAPIURL,
			SID:        *dengiSID,
			Password:   *dengiPassword,
			APIVersion: *dengiAPIVersion,
			TestMode:   toBool(*dengiTestMode),
		})
		if gateway.IsConfigured() && db != nil {
			lifecycle := payment.NewLifecycle(&payment.LifecycleConfig{
				OperatorChats: operatorChats,
			}, gateway, db, tg)

			webhook := payment.NewWebhookHandler(&payment.WebhookConfig{
				StrictSignature: toBool(*strictSignature),
			}, payment.NewSigner(*dengiPassword), lifecycle)
			webhook.Register(router)

			log.Infoln("payment webhook mounted on /payment/callback")
		} else {
			log.Warningln("payment gateway not configured, webhook disabled")
		}

		var pinger health.Pinger
		if db != nil {
			pinger = db
		}
		health.NewHealthService(svc, pinger).Register(router)

		httpSrv := &http.Server{
			Addr:              *listenAddr,
			Handler:           router,
			ReadHeaderTimeout: 10 * time.Second,
		}
		closer.Bind(func() {
			shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancelShutdown()
			_ = httpSrv.Shutdown(shutdownCtx)
		})

		go func() {
			log.Infof("webhook server starts listening on %s", *listenAddr)
			if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.WithError(err).Errorln("failed to start HTTP server")

				// signal there that the app failed
				os.Exit(1)
			}
		}()

		closer.Hold()
	}
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); len(part) > 0 {
			out = append(out, part)
		}
	}
	return out
}
