package main

import cli "github.com/jawher/mow.cli"

// initGlobalOptions defines some global CLI options, that are useful for most parts of the app.
// Before adding option to there, consider moving it into the actual Cmd.
func initGlobalOptions(
	envName **string,
	appLogLevel **string,
) {
	*envName = app.String(cli.StringOpt{
		Name:   "e env",
		Desc:   "The environment name this app runs in. Used for metrics and error reporting.",
		EnvVar: "ENV",
		Value:  "local",
	})

	*appLogLevel = app.String(cli.StringOpt{
		Name:   "l log-level",
		Desc:   "Available levels: error, warn, info, debug.",
		EnvVar: "LOG_LEVEL",
		Value:  "info",
	})
}

func initScheduleOptions(
	cmd *cli.Cmd,
	postingTime **string,
	timezone **string,
	categoryFeedsDir **string,
) {
	*postingTime = cmd.String(cli.StringOpt{
		Name:   "posting-time",
		Desc:   "Daily posting wall-clock time in HH:MM.",
		EnvVar: "POSTING_TIME",
		Value:  "19:00",
	})

	*timezone = cmd.String(cli.StringOpt{
		Name:   "timezone",
		Desc:   "IANA timezone the posting time is interpreted in.",
		EnvVar: "TIMEZONE",
		Value:  "Asia/Bishkek",
	})

	*categoryFeedsDir = cmd.String(cli.StringOpt{
		Name:   "category-feeds",
		Desc:   "Path to category rotation override files in TOML format.",
		EnvVar: "CATEGORY_FEEDS_DIR",
	})
}

func initMarketplaceOptions(
	cmd *cli.Cmd,
	rapidAPIKey **string,
	maxProducts **int,
) {
	*rapidAPIKey = cmd.String(cli.StringOpt{
		Name:   "rapidapi-key",
		Desc:   "RapidAPI key shared by the marketplace gateways.",
		EnvVar: "RAPIDAPI_KEY",
	})

	*maxProducts = cmd.Int(cli.IntOpt{
		Name:   "max-products",
		Desc:   "Total product fetch budget per run, split across categories.",
		EnvVar: "MAX_PRODUCTS",
		Value:  30,
	})
}

func initFilterOptions(
	cmd *cli.Cmd,
	minDiscount **int,
	minRating **string,
	topLimit **int,
) {
	*minDiscount = cmd.Int(cli.IntOpt{
		Name:   "min-discount",
		Desc:   "Minimum discount percent a product needs to pass the filter.",
		EnvVar: "MIN_DISCOUNT",
		Value:  15,
	})

	*minRating = cmd.String(cli.StringOpt{
		Name:   "min-rating",
		Desc:   "Minimum product rating on a 0-5 scale.",
		EnvVar: "MIN_RATING",
		Value:  "4.0",
	})

	*topLimit = cmd.Int(cli.IntOpt{
		Name:   "top-limit",
		Desc:   "How many products survive ranking into the daily post.",
		EnvVar: "TOP_LIMIT",
		Value:  10,
	})
}

func initContentOptions(
	cmd *cli.Cmd,
	openRouterAPIKey **string,
	openAIModel **string,
	openAITimeout **string,
	contactUsername **string,
) {
	*openRouterAPIKey = cmd.String(cli.StringOpt{
		Name:   "openrouter-api-key",
		Desc:   "OpenRouter API key for description generation.",
		EnvVar: "OPENROUTER_API_KEY",
	})

	*openAIModel = cmd.String(cli.StringOpt{
		Name:   "openai-model",
		Desc:   "Chat-completion model identifier.",
		EnvVar: "OPENAI_MODEL",
		Value:  "gpt-4o",
	})

	*openAITimeout = cmd.String(cli.StringOpt{
		Name:   "openai-timeout",
		Desc:   "Per-request timeout for the generation endpoint.",
		EnvVar: "OPENAI_TIMEOUT",
		Value:  "30s",
	})

	*contactUsername = cmd.String(cli.StringOpt{
		Name:   "contact-username",
		Desc:   "Telegram contact username appended to captions.",
		EnvVar: "CONTACT_USERNAME",
		Value:  "tulpar_express",
	})
}

func initTelegramOptions(
	cmd *cli.Cmd,
	botToken **string,
	channelID **string,
	adminChatID **string,
) {
	*botToken = cmd.String(cli.StringOpt{
		Name:   "telegram-bot-token",
		Desc:   "Telegram Bot API token.",
		EnvVar: "TELEGRAM_BOT_TOKEN",
	})

	*channelID = cmd.String(cli.StringOpt{
		Name:   "channel-id",
		Desc:   "Target channel for the daily post (@username or numeric id).",
		EnvVar: "CHANNEL_ID",
	})

	*adminChatID = cmd.String(cli.StringOpt{
		Name:   "admin-chat-id",
		Desc:   "Comma-separated operator chat ids for run reports.",
		EnvVar: "ADMIN_CHAT_ID",
	})
}

func initInstagramOptions(
	cmd *cli.Cmd,
	igAccessToken **string,
	igAccountID **string,
) {
	*igAccessToken = cmd.String(cli.StringOpt{
		Name:   "instagram-access-token",
		Desc:   "Instagram Graph API access token. Empty disables the mirror.",
		EnvVar: "INSTAGRAM_ACCESS_TOKEN",
	})

	*igAccountID = cmd.String(cli.StringOpt{
		Name:   "instagram-account-id",
		Desc:   "Instagram business account id.",
		EnvVar: "INSTAGRAM_ACCOUNT_ID",
	})
}

func initPaymentOptions(
	cmd *cli.Cmd,
	dengiAPIURL **string,
	dengiSID **string,
	dengiPassword **string,
	dengiAPIVersion **int,
	dengiTestMode **string,
	strictSignature **string,
) {
	*dengiAPIURL = cmd.String(cli.StringOpt{
		Name:   "dengi-api-url",
		Desc:   "O!Dengi JSON API endpoint.",
		EnvVar: "DENGI_API_URL",
	})

	*dengiSID = cmd.String(cli.StringOpt{
		Name:   "dengi-sid",
		Desc:   "Merchant sid issued by the gateway.",
		EnvVar: "DENGI_SID",
	})

	*dengiPassword = cmd.String(cli.StringOpt{
		Name:   "dengi-password",
		Desc:   "Merchant secret used for request signing. Never persisted.",
		EnvVar: "DENGI_PASSWORD",
	})

	*dengiAPIVersion = cmd.Int(cli.IntOpt{
		Name:   "dengi-api-version",
		Desc:   "Gateway protocol version.",
		EnvVar: "DENGI_API_VERSION",
		Value:  1005,
	})

	*dengiTestMode = cmd.String(cli.StringOpt{
		Name:   "dengi-test-mode",
		Desc:   "Create invoices against the gateway sandbox.",
		EnvVar: "DENGI_TEST_MODE",
		Value:  "false",
	})

	*strictSignature = cmd.String(cli.StringOpt{
		Name:   "payment-strict-signature",
		Desc:   "Reject webhook callbacks without a signature hash.",
		EnvVar: "PAYMENT_STRICT_SIGNATURE",
		Value:  "true",
	})
}

func initStorageOptions(
	cmd *cli.Cmd,
	databaseURL **string,
) {
	*databaseURL = cmd.String(cli.StringOpt{
		Name:   "database-url",
		Desc:   "PostgreSQL connection URL. Empty runs without persistence.",
		EnvVar: "DATABASE_URL",
	})
}

func initServerOptions(
	cmd *cli.Cmd,
	listenAddr **string,
) {
	*listenAddr = cmd.String(cli.StringOpt{
		Name:   "listen-addr",
		Desc:   "Bind address for the payment webhook and health endpoints.",
		EnvVar: "LISTEN_ADDR",
		Value:  "0.0.0.0:8080",
	})
}

// initStatsdOptions sets options for StatsD metrics.
func initStatsdOptions(
	cmd *cli.Cmd,
	statsdPrefix **string,
	statsdAddr **string,
	statsdStuckDur **string,
	statsdMocking **string,
	statsdDisabled **string,
) {
	*statsdPrefix = cmd.String(cli.StringOpt{
		Name:   "statsd-prefix",
		Desc:   "Specify StatsD compatible metrics prefix.",
		EnvVar: "STATSD_PREFIX",
		Value:  "autopost",
	})

	*statsdAddr = cmd.String(cli.StringOpt{
		Name:   "statsd-addr",
		Desc:   "UDP address of a StatsD compatible metrics aggregator.",
		EnvVar: "STATSD_ADDR",
		Value:  "localhost:8125",
	})

	*statsdStuckDur = cmd.String(cli.StringOpt{
		Name:   "statsd-stuck-func",
		Desc:   "Sets a duration to consider a function to be stuck (e.g. in deadlock).",
		EnvVar: "STATSD_STUCK_DUR",
		Value:  "5m",
	})

	*statsdMocking = cmd.String(cli.StringOpt{
		Name:   "statsd-mocking",
		Desc:   "If enabled replaces statsd client with a mock one that simply logs values.",
		EnvVar: "STATSD_MOCKING",
		Value:  "false",
	})

	*statsdDisabled = cmd.String(cli.StringOpt{
		Name:   "statsd-disabled",
		Desc:   "Force disabling statsd reporting completely.",
		EnvVar: "STATSD_DISABLED",
		Value:  "true",
	})
}
