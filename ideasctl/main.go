package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/docopt/docopt-go"
	"github.com/joho/godotenv"

	"github.com/ideas6k/ideas/authapi"
	"github.com/ideas6k/ideas/ideas"
	"github.com/ideas6k/ideas/mongogw"
	"github.com/ideas6k/ideas/rediscache"
	"github.com/ideas6k/ideas/wsstore"
)

const IdeasCtlVersion = "0.0.1"

var Out *log.Logger
var Err *log.Logger

func init() {
	Out = log.New(os.Stdout, "", 0)
	Err = log.New(os.Stderr, "", log.Ldate|log.Ltime|log.Lshortfile)
}

func main() {
	usage := `Ideas control.

The document store is one of:
    --mongo_url to read and write mongodb directly
    --sync_url to speak to a sync endpoint over a websocket

Usage:
    ideasctl watch [options]
    ideasctl submit [options] --title=<title> [--text=<text>] [--category=<category>]
    ideasctl rate [options] <prompt_id> <rating>
    ideasctl favorite [options] <prompt_id>
    ideasctl whoami [options]
    ideasctl sign-out [options]

Options:
    -h --help                  Show this screen.
    --version                  Show version.
    --env=<env_file>           Load settings from a dotenv file.
    --mongo_url=<mongo_url>    Mongodb connection url.
    --mongo_db=<mongo_db>      Mongodb database name [default: ideas].
    --sync_url=<sync_url>      Sync endpoint websocket url.
    --auth_url=<auth_url>      Auth endpoint base url.
    --jwt=<jwt>                Identity JWT from a previous login.
    --redis_url=<redis_url>    Warm start the feed from this redis.
    --title=<title>
    --text=<text>
    --category=<category>`

	opts, err := docopt.ParseArgs(usage, os.Args[1:], IdeasCtlVersion)
	if err != nil {
		panic(err)
	}

	if envFile, _ := opts.String("--env"); envFile != "" {
		if err := godotenv.Load(envFile); err != nil {
			Err.Fatalf("Could not load env file (%s).", err)
		}
	}

	if watch_, _ := opts.Bool("watch"); watch_ {
		watch(opts)
	} else if submit_, _ := opts.Bool("submit"); submit_ {
		submit(opts)
	} else if rate_, _ := opts.Bool("rate"); rate_ {
		rate(opts)
	} else if favorite_, _ := opts.Bool("favorite"); favorite_ {
		favorite(opts)
	} else if whoami_, _ := opts.Bool("whoami"); whoami_ {
		whoami(opts)
	} else if signOut_, _ := opts.Bool("sign-out"); signOut_ {
		signOut(opts)
	}
}

// flag value, falling back to the environment
func optOrEnv(opts docopt.Opts, flag string, envName string) string {
	if value, _ := opts.String(flag); value != "" {
		return value
	}
	return os.Getenv(envName)
}

func openSession(ctx context.Context, opts docopt.Opts) (*ideas.Session, ideas.AuthGateway) {
	mongoUrl := optOrEnv(opts, "--mongo_url", "IDEAS_MONGO_URL")
	syncUrl := optOrEnv(opts, "--sync_url", "IDEAS_SYNC_URL")
	authUrl := optOrEnv(opts, "--auth_url", "IDEAS_AUTH_URL")
	redisUrl := optOrEnv(opts, "--redis_url", "IDEAS_REDIS_URL")
	byJwt := optOrEnv(opts, "--jwt", "IDEAS_JWT")

	var store ideas.DocumentStore
	switch {
	case mongoUrl != "":
		mongoDb, _ := opts.String("--mongo_db")
		mongoStore, err := mongogw.ConnectWithDefaults(ctx, mongoUrl, mongoDb)
		if err != nil {
			Err.Fatalf("Could not connect to mongodb (%s).", err)
		}
		store = mongoStore
	case syncUrl != "":
		syncStore, err := wsstore.ConnectWithDefaults(ctx, syncUrl)
		if err != nil {
			Err.Fatalf("Could not connect to the sync endpoint (%s).", err)
		}
		store = syncStore
	default:
		Err.Fatalf("One of --mongo_url or --sync_url is required.")
	}

	var auth ideas.AuthGateway
	if authUrl != "" || byJwt != "" {
		api := authapi.NewIdentityApiWithContext(ctx, authUrl)
		if byJwt != "" {
			if err := api.SetByJwt(byJwt); err != nil {
				Err.Fatalf("Invalid jwt (%s).", err)
			}
		}
		auth = api
	} else {
		auth = ideas.NewMemoryAuth()
	}

	settings := ideas.DefaultSessionSettings()
	if redisUrl != "" {
		cache, err := rediscache.ConnectWithDefaults(ctx, redisUrl)
		if err != nil {
			Err.Fatalf("Could not connect to redis (%s).", err)
		}
		settings.SnapshotCache = cache
	}

	session := ideas.NewSession(ctx, store, auth, settings)
	session.Start()
	return session, auth
}

func watch(opts docopt.Opts) {
	cancelCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	session, _ := openSession(cancelCtx, opts)
	defer session.Close()

	session.AddNoticeCallback(func(notice *ideas.Notice) {
		Err.Printf("%s", notice.Message)
	})
	session.AddStateChangeCallback(func() {
		if session.Loading() {
			return
		}
		prompts := session.Prompts()
		Out.Printf("--- %d prompts ---", len(prompts))
		for _, prompt := range prompts {
			marker := " "
			if session.IsFavorite(prompt.Id) {
				marker = "*"
			}
			Out.Printf("%s %.1f  %s  (%s)  %s", marker, prompt.Rating, prompt.Title, prompt.Author, prompt.Id)
		}
	})

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop
}

func submit(opts docopt.Opts) {
	cancelCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	session, _ := openSession(cancelCtx, opts)
	defer session.Close()

	title, _ := opts.String("--title")
	text, _ := opts.String("--text")
	category, _ := opts.String("--category")

	promptId, err := session.SubmitPromptSync(cancelCtx, &ideas.PromptDraft{
		Title:    title,
		Text:     text,
		Category: category,
	})
	if err != nil {
		Err.Fatalf("Could not submit (%s).", err)
	}
	Out.Printf("%s", promptId)
}

func rate(opts docopt.Opts) {
	cancelCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	session, _ := openSession(cancelCtx, opts)
	defer session.Close()

	promptIdStr, _ := opts.String("<prompt_id>")
	promptId, err := ideas.ParseId(promptIdStr)
	if err != nil {
		Err.Fatalf("Invalid prompt_id (%s).", err)
	}
	ratingStr, _ := opts.String("<rating>")
	rating, err := strconv.Atoi(ratingStr)
	if err != nil {
		Err.Fatalf("Invalid rating (%s).", err)
	}

	if err := session.SubmitRatingSync(cancelCtx, promptId, rating); err != nil {
		Err.Fatalf("Could not rate (%s).", err)
	}
	Out.Printf("Rated %s %d.", promptId, rating)
}

func favorite(opts docopt.Opts) {
	cancelCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	session, _ := openSession(cancelCtx, opts)
	defer session.Close()

	promptIdStr, _ := opts.String("<prompt_id>")
	promptId, err := ideas.ParseId(promptIdStr)
	if err != nil {
		Err.Fatalf("Invalid prompt_id (%s).", err)
	}

	if err := session.ToggleFavoriteSync(cancelCtx, promptId); err != nil {
		Err.Fatalf("Could not toggle favorite (%s).", err)
	}
	if session.IsFavorite(promptId) {
		Out.Printf("Favorited %s.", promptId)
	} else {
		Out.Printf("Unfavorited %s.", promptId)
	}
}

func whoami(opts docopt.Opts) {
	cancelCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	session, _ := openSession(cancelCtx, opts)
	defer session.Close()

	identity := session.Identity()
	if identity == nil {
		Out.Printf("Signed out.")
		return
	}
	Out.Printf("%s", identity.Id)
	Out.Printf("%s <%s>", identity.AuthorName(), identity.Email)
}

func signOut(opts docopt.Opts) {
	cancelCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	session, _ := openSession(cancelCtx, opts)
	defer session.Close()

	if err := session.SignOut(cancelCtx); err != nil {
		Err.Fatalf("Could not sign out (%s).", err)
	}
	Out.Printf("Signed out.")
}
