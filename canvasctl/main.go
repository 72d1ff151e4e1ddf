package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/docopt/docopt-go"
	"github.com/fatih/color"

	"github.com/momentoboard/canvas/canvas"
)

const CanvasCtlVersion = "0.1.0"

var Out *log.Logger
var Err *log.Logger

func init() {
	Out = log.New(os.Stdout, "", 0)
	Err = log.New(os.Stderr, "", log.Ldate|log.Ltime|log.Lshortfile)
}

func main() {
	usage := `Canvas control.

Usage:
    canvasctl health --api_url=<api_url> [--jwt=<jwt>] [--anon_key=<anon_key>]
    canvasctl show --api_url=<api_url> --project=<project_id>
        [--jwt=<jwt>] [--anon_key=<anon_key>]
    canvasctl layout --api_url=<api_url> --project=<project_id>
        [--jwt=<jwt>] [--anon_key=<anon_key>] [--apply]
    canvasctl tail --api_url=<api_url> --hub_url=<hub_url> --project=<project_id>
        [--jwt=<jwt>] [--anon_key=<anon_key>]

Options:
    -h --help                  Show this screen.
    --version                  Show version.
    --api_url=<api_url>        Persistence platform url.
    --hub_url=<hub_url>        Realtime hub websocket url, e.g. ws://localhost:7700/ws.
    --project=<project_id>     Project id.
    --jwt=<jwt>                Session JWT.
    --anon_key=<anon_key>      Public fallback key.
    --apply                    Persist the computed layout.`

	opts, err := docopt.ParseArgs(usage, os.Args[1:], CanvasCtlVersion)
	if err != nil {
		panic(err)
	}

	apiUrl, _ := opts.String("--api_url")
	jwt, _ := opts.String("--jwt")
	anonKey, _ := opts.String("--anon_key")
	session := canvas.NewSession(apiUrl, jwt, anonKey)

	if health_, _ := opts.Bool("health"); health_ {
		health(session)
	} else if show_, _ := opts.Bool("show"); show_ {
		show(session, requireProjectId(opts))
	} else if layout_, _ := opts.Bool("layout"); layout_ {
		apply, _ := opts.Bool("--apply")
		layout(session, requireProjectId(opts), apply)
	} else if tail_, _ := opts.Bool("tail"); tail_ {
		hubUrl, _ := opts.String("--hub_url")
		tail(session, hubUrl, requireProjectId(opts))
	}
}

func requireProjectId(opts docopt.Opts) canvas.Id {
	projectIdStr, _ := opts.String("--project")
	projectId, err := canvas.ParseId(projectIdStr)
	if err != nil {
		Err.Fatalf("bad project id: %s", err)
	}
	return projectId
}

func health(session *canvas.Session) {
	api := canvas.NewCanvasApi(session)
	defer api.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	result, err := api.HealthSync(ctx)
	if err != nil {
		Err.Fatalf("health error: %s", err)
	}
	Out.Printf("ok %s", result.Status)
}

func show(session *canvas.Session, projectId canvas.Id) {
	store := canvas.NewGraphStore(projectId)
	api := canvas.NewCanvasApi(session)
	defer api.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := store.Load(ctx, api); err != nil {
		Err.Fatalf("load error: %s", err)
	}

	for _, node := range store.Nodes() {
		Out.Printf(
			"node %s %-24q renderer=%s at (%.0f,%.0f)",
			node.Id,
			node.Data.Label,
			node.Renderer,
			node.Position.X,
			node.Position.Y,
		)
	}
	for _, edge := range store.Edges() {
		Out.Printf("edge %s %s -> %s", edge.Id, edge.Source, edge.Target)
	}
}

func layout(session *canvas.Session, projectId canvas.Id, apply bool) {
	store := canvas.NewGraphStore(projectId)
	api := canvas.NewCanvasApi(session)
	defer api.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := store.Load(ctx, api); err != nil {
		Err.Fatalf("load error: %s", err)
	}

	laidOut, gridInfo := canvas.ApplyGridLayout(store.Nodes(), nil)
	Out.Printf("grid: %d columns, spacing %d, %d nodes", gridInfo.Columns, gridInfo.Spacing, gridInfo.TotalNodes)
	for _, node := range laidOut {
		Out.Printf("%s -> (%.0f,%.0f)", node.Id, node.Position.X, node.Position.Y)
	}

	if apply && 0 < len(laidOut) {
		updates := make([]*canvas.PositionUpdate, 0, len(laidOut))
		for _, node := range laidOut {
			updates = append(updates, &canvas.PositionUpdate{
				Id:        node.Id,
				PositionX: node.Position.X,
				PositionY: node.Position.Y,
			})
		}
		result, err := api.BatchUpdatePositionsSync(ctx, &canvas.BatchUpdatePositionsArgs{
			Updates: updates,
		})
		if err != nil {
			Err.Fatalf("batch update error: %s", err)
		}
		Out.Printf("applied: %t", result.Success)
	}
}

// tail joins the project channel and prints the live activity feed,
// each collaborator in their stable palette color
func tail(session *canvas.Session, hubUrl string, projectId canvas.Id) {
	cancelCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	controller := canvas.NewRealtimeControllerWithDefaults(cancelCtx, hubUrl, projectId, session)
	defer controller.Close()

	controller.AddActivityCallback(func(event *canvas.ActivityEvent) {
		r, g, b := hexRgb(event.UserColor)
		userName := color.RGB(r, g, b).Sprint(event.UserName)
		if event.Target != "" {
			Out.Printf("%s %s %s %q", event.Timestamp.Format(time.TimeOnly), userName, event.Action, event.Target)
		} else {
			Out.Printf("%s %s %s", event.Timestamp.Format(time.TimeOnly), userName, event.Action)
		}
	})

	Out.Printf("tailing %s", canvas.ChannelName(projectId))

	sigC := make(chan os.Signal, 1)
	signal.Notify(sigC, syscall.SIGINT, syscall.SIGTERM)
	<-sigC
}

func hexRgb(hexColor string) (int, int, int) {
	var r, g, b int
	if _, err := fmt.Sscanf(hexColor, "#%02x%02x%02x", &r, &g, &b); err != nil {
		return 255, 255, 255
	}
	return r, g, b
}
