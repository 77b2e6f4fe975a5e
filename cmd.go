package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"text/tabwriter"

	log "github.com/sirupsen/logrus"
	pb "gopkg.in/cheggaaa/pb.v1"

	"tilecache/internal/cacheerr"
	"tilecache/internal/config"
	"tilecache/internal/engine"
	"tilecache/internal/seed"
	"tilecache/internal/server"
)

func seedCmd(ctx context.Context, e *engine.Engine, cfg *config.Config, args []string) error {
	fs := flag.NewFlagSet("seed", flag.ExitOnError)
	var (
		req      seed.Request
		geojson  string
		onerror  string
		tolerate bool
	)
	fs.StringVar(&req.Layer, "layer", "", "layer `name`")
	fs.Float64Var(&req.Lon, "lon", 0, "center longitude")
	fs.Float64Var(&req.Lat, "lat", 0, "center latitude")
	fs.IntVar(&req.ZoomMin, "zmin", 0, "min zoom")
	fs.IntVar(&req.ZoomMax, "zmax", 0, "max zoom")
	fs.StringVar(&geojson, "geojson", "", "take the center from a geojson `file`")
	fs.BoolVar(&req.Overwrite, "overwrite", false, "download tiles already stored")
	fs.IntVar(&req.Concurrency, "workers", cfg.Task.Workers, "parallel downloads")
	fs.IntVar(&req.MaxTiles, "maxtiles", cfg.Task.MaxTiles, "lower the configured tile cap")
	fs.StringVar(&onerror, "onerror", cfg.Task.OnError, "abort or skip on a failed tile")
	fs.BoolVar(&tolerate, "tolerate-notfound", cfg.Task.TolerateNotFound, "do not abort on tiles the server does not have")
	fs.Parse(args)

	if err := checkCenter(fs, geojson); err != nil {
		return err
	}
	if geojson != "" {
		center, err := loadCenter(geojson)
		if err != nil {
			return err
		}
		req.Lon, req.Lat = center.Lon(), center.Lat()
	}
	policy, err := seed.ParseErrorPolicy(onerror)
	if err != nil {
		return err
	}
	req.Policy = &seed.Policy{OnError: policy, TolerateNotFound: tolerate}

	var bar *pb.ProgressBar
	var failed int
	obs := seed.Observer{
		OnProgress: func(completed, total int) {
			if bar == nil {
				bar = pb.New(total).Prefix(fmt.Sprintf("Seed %s : ", req.Layer))
				bar.Start()
			}
			bar.Set(completed)
		},
		OnError: func(te *seed.TaskError) {
			if !te.Fatal {
				failed++
				log.Warnf("tile %s failed: %v", te.URL, te.Err)
			}
		},
		OnDone: func(sum seed.Summary) {
			if bar != nil {
				bar.FinishPrint(fmt.Sprintf("session %s finished ~", sum.ID))
			}
		},
	}

	sess, err := e.Seed(ctx, req, obs)
	if err != nil {
		return err
	}
	sum, err := sess.Wait()
	if err != nil {
		if bar != nil {
			bar.Finish()
		}
		return err
	}
	log.Infof("%s: %d downloaded, %d already stored, %d failed, %.2f kb in %s",
		sum.Layer, sum.Downloaded, sum.Skipped, failed, float32(sum.Bytes)/1024.0, sum.Elapsed)
	return nil
}

// checkCenter requires either -geojson or both -lon and -lat.
func checkCenter(fs *flag.FlagSet, geojson string) error {
	set := map[string]bool{}
	fs.Visit(func(f *flag.Flag) { set[f.Name] = true })
	if geojson != "" {
		if set["lon"] || set["lat"] {
			return cacheerr.Invalid("center", "-geojson cannot be combined with -lon/-lat")
		}
		return nil
	}
	if !set["lon"] || !set["lat"] {
		return cacheerr.Invalid("center", "seed needs -lon and -lat, or -geojson")
	}
	return nil
}

// layerArgs returns the named layers, or every registered layer.
func layerArgs(e *engine.Engine, args []string) []string {
	if len(args) > 0 {
		return args
	}
	var names []string
	for _, l := range e.Layers() {
		names = append(names, l.Name)
	}
	return names
}

func usageCmd(ctx context.Context, e *engine.Engine, cfg *config.Config, args []string) error {
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "LAYER\tFILES\tSIZE")
	var files int
	var bytes int64
	for _, name := range layerArgs(e, args) {
		u, err := e.Usage(ctx, name)
		if err != nil {
			return err
		}
		files += u.Files
		bytes += u.Bytes
		fmt.Fprintf(w, "%s\t%d\t%.2f MB\n", name, u.Files, u.Megabytes())
	}
	fmt.Fprintf(w, "total\t%d\t%.2f MB\n", files, float64(bytes)/(1024*1024))
	return w.Flush()
}

func clearCmd(ctx context.Context, e *engine.Engine, cfg *config.Config, args []string) error {
	if len(args) == 0 {
		return e.ClearAll(ctx)
	}
	for _, name := range args {
		if err := e.Clear(ctx, name); err != nil {
			return err
		}
	}
	return nil
}

func layersCmd(ctx context.Context, e *engine.Engine, cfg *config.Config, args []string) error {
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tMODE\tZOOM\tFORMAT\tURL")
	for _, l := range e.Layers() {
		fmt.Fprintf(w, "%s\t%s\t%d-%d\t%s\t%s\n", l.Name, l.Mode, l.MinZoom, l.MaxZoom, l.Format, l.URL)
	}
	return w.Flush()
}

func serveCmd(ctx context.Context, e *engine.Engine, cfg *config.Config, args []string) error {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	listen := fs.String("listen", cfg.Server.Listen, "listen `address`")
	fs.Parse(args)
	return server.New(e).Run(ctx, *listen)
}
