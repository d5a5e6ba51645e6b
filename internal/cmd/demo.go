package cmd

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/MeKo-Tech/tilescheduler/internal/demoload"
	"github.com/MeKo-Tech/tilescheduler/internal/priority"
	"github.com/MeKo-Tech/tilescheduler/internal/scheduler"
	"github.com/MeKo-Tech/tilescheduler/internal/tile"
	"github.com/MeKo-Tech/tilescheduler/internal/tilestate"
	"github.com/MeKo-Tech/tilescheduler/internal/transport/httpfetch"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var demoCmd = &cobra.Command{
	Use:   "demo",
	Short: "Drive a bounding-box tile traversal through the scheduler",
	Long: `demo covers a geographic bounding box with the Web Mercator tiles that
span it across a zoom range (internal/tile.TilesInBBox), scores each tile
with the C6 priority composite (internal/priority.Compute) from its
distance to the bbox center and its depth within the zoom range, and
drives them all through a scheduler frame by frame until every tile
reaches READY or FAILED, printing progress as it goes. It exercises the
same code path a real engine integration would use, without needing one.`,
	RunE: runDemo,
}

func init() {
	rootCmd.AddCommand(demoCmd)

	demoCmd.Flags().String("base-url", "https://tile.example.com/tiles", "Base URL tile coordinates are appended to")
	demoCmd.Flags().String("bbox", "9.6,52.2,9.9,52.5", "Bounding box to cover: minLon,minLat,maxLon,maxLat")
	demoCmd.Flags().Int("zoom-min", 5, "Minimum zoom level for the traversal")
	demoCmd.Flags().Int("zoom-max", 7, "Maximum zoom level for the traversal")
	demoCmd.Flags().Bool("prefer-leaves", false, "Prioritize deeper (higher zoom) tiles over shallower ones")
	demoCmd.Flags().Duration("frame-interval", 50*time.Millisecond, "Simulated time between frames")
	demoCmd.Flags().Int("max-frames", 200, "Maximum frames to drive before giving up on stragglers")

	bindFlags := []struct{ key, flag string }{
		{"demo.base_url", "base-url"},
		{"demo.bbox", "bbox"},
		{"demo.zoom_min", "zoom-min"},
		{"demo.zoom_max", "zoom-max"},
		{"demo.prefer_leaves", "prefer-leaves"},
		{"demo.frame_interval", "frame-interval"},
		{"demo.max_frames", "max-frames"},
	}
	for _, b := range bindFlags {
		if err := viper.BindPFlag(b.key, demoCmd.Flags().Lookup(b.flag)); err != nil {
			panic(fmt.Sprintf("failed to bind flag: %v", err))
		}
	}
}

func runDemo(cmd *cobra.Command, args []string) error {
	if logger == nil {
		initLogging()
	}

	baseURL := viper.GetString("demo.base_url")
	zoomMin := viper.GetInt("demo.zoom_min")
	zoomMax := viper.GetInt("demo.zoom_max")
	preferLeaves := viper.GetBool("demo.prefer_leaves")
	frameInterval := viper.GetDuration("demo.frame_interval")
	maxFrames := viper.GetInt("demo.max_frames")

	bbox, err := parseBBox(viper.GetString("demo.bbox"))
	if err != nil {
		return err
	}

	maxRequests, maxRequestsPerServer, priorityHeapLength, throttle := schedulerConfigFromViper()
	cfg := scheduler.DefaultConfig()
	cfg.MaxRequests = maxRequests
	cfg.MaxRequestsPerServer = maxRequestsPerServer
	cfg.PriorityHeapLength = priorityHeapLength
	cfg.ThrottleRequests = throttle
	cfg.Logger = logger

	sched := scheduler.New(cfg)
	fetcher := httpfetch.New(httpfetch.DefaultConfig())

	coords := tile.TilesInBBox(bbox, zoomMin, zoomMax)
	tasks := buildTasks(coords, bbox, zoomMin, zoomMax, preferLeaves, baseURL, fetcher)

	runner := demoload.New(demoload.Config{
		Scheduler:     sched,
		MaxFrames:     maxFrames,
		FrameInterval: frameInterval,
		OnProgress: func(completed, total, failed int) {
			logger.Info("demo progress", "completed", completed, "total", total, "failed", failed)
		},
	})

	results := runner.Run(context.Background(), tasks)

	ready, failed := 0, 0
	for _, r := range results {
		switch r.State {
		case tilestate.StateReady:
			ready++
		case tilestate.StateFailed:
			failed++
		}
	}

	logger.Info("demo finished", "tiles", len(results), "ready", ready, "failed", failed)
	return nil
}

// parseBBox parses a "minLon,minLat,maxLon,maxLat" flag value.
func parseBBox(s string) ([4]float64, error) {
	var bbox [4]float64
	parts := strings.Split(s, ",")
	if len(parts) != 4 {
		return bbox, fmt.Errorf("--bbox requires exactly 4 comma-separated values, got %d", len(parts))
	}
	for i, p := range parts {
		v, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
		if err != nil {
			return bbox, fmt.Errorf("--bbox value %q: %w", p, err)
		}
		bbox[i] = v
	}
	return bbox, nil
}

// buildTasks turns every tile coordinate covering bbox into a demoload
// Task whose PriorityFn is the C6 composite (internal/priority.Compute)
// fed by that tile's distance from the bbox center and its depth within
// [zoomMin, zoomMax]: tiles nearer the center and, depending on
// preferLeaves, more or less deeply zoomed sort first.
func buildTasks(coords []tile.Coords, bbox [4]float64, zoomMin, zoomMax int, preferLeaves bool, baseURL string, fetcher *httpfetch.Fetcher) []demoload.Task {
	centerLon := (bbox[0] + bbox[2]) / 2
	centerLat := (bbox[1] + bbox[3]) / 2
	maxDist := math.Hypot(bbox[2]-bbox[0], bbox[3]-bbox[1]) / 2
	if maxDist == 0 {
		maxDist = 1
	}
	zoomRange := float64(zoomMax - zoomMin)
	if zoomRange == 0 {
		zoomRange = 1
	}

	tasks := make([]demoload.Task, 0, len(coords))
	for _, c := range coords {
		c := c
		lon, lat := c.Center()
		dist := math.Hypot(lon-centerLon, lat-centerLat) / maxDist
		if dist > 1 {
			dist = 1
		}
		depth := float64(int(c.Z)-zoomMin) / zoomRange

		inputs := priority.Inputs{
			FoveatedFactor:   dist,
			PreferredSorting: dist,
			Depth:            depth,
			PreferLeaves:     preferLeaves,
		}

		url := fmt.Sprintf("%s/%s", baseURL, c.Path("bin"))
		tasks = append(tasks, demoload.Task{
			URL:        url,
			PriorityFn: func() float64 { return priority.Compute(inputs) },
			Fetch:      fetcher.Func(url),
		})
	}
	return tasks
}
