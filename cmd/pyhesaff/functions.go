package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/anthonynsimon/bild/imgio"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/obaiga/hesaff/internal/hesaff"
	"github.com/obaiga/hesaff/internal/imaging"
	"github.com/obaiga/hesaff/internal/logging"
	"github.com/obaiga/hesaff/internal/server"
)

// detection is the detect_kpts result for one image.
type detection struct {
	Path         string              `json:"path"`
	NumKeypoints int                 `json:"num_keypoints"`
	Kpts         []hesaff.Kpt        `json:"kpts,omitempty"`
	Descs        []hesaff.Descriptor `json:"descs,omitempty"`
	FeatureFile  string              `json:"feature_file,omitempty"`
}

// detectBatch detects keypoints in every image with at most jobs images in
// flight. With a non-empty suffix the features of each image are written to
// <path><suffix>; otherwise the arrays are kept in the result. The first
// failure cancels the remaining images.
func detectBatch(ctx context.Context, paths []string, params hesaff.Params, jobs int, suffix string, log *zap.Logger) ([]detection, error) {
	results := make([]detection, len(paths))

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(jobs)
	for i, path := range paths {
		i, path := i, path
		g.Go(func() error {
			det, err := hesaff.NewFromFile(path, params, hesaff.WithLogger(log.With(zap.String("image", path))))
			if err != nil {
				return fmt.Errorf("%s: %w", path, err)
			}
			n, err := det.Detect(ctx)
			if err != nil {
				return fmt.Errorf("%s: %w", path, err)
			}

			r := detection{Path: path, NumKeypoints: n}
			if suffix != "" {
				r.FeatureFile = path + suffix
				if err := det.WriteFeatureFile(r.FeatureFile); err != nil {
					return fmt.Errorf("%s: %w", path, err)
				}
			} else {
				kpts, descs := det.ExportArrays()
				r.Kpts = kpts
				r.Descs = make([]hesaff.Descriptor, len(descs))
				for j, d := range descs {
					r.Descs[j] = d
				}
			}
			results[i] = r
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

func (a *app) detectKptsCmd() *cobra.Command {
	var (
		asJSON    bool
		jobs      int
		threshold float64
		upscale   bool
	)

	cmd := &cobra.Command{
		Use:   "detect_kpts <img>...",
		Short: "Detect keypoints and write <img>.hesaff.sift",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			params := a.cfg.Detector
			if cmd.Flags().Changed("threshold") {
				params.Pyramid.Threshold = threshold
			}
			if cmd.Flags().Changed("upscale") {
				params.Pyramid.UpscaleInputImage = upscale
			}
			if jobs <= 0 {
				jobs = a.cfg.Jobs
			}

			suffix := a.cfg.Output.Suffix
			if asJSON {
				suffix = ""
			}

			results, err := detectBatch(cmd.Context(), args, params, jobs, suffix, a.log)
			if err != nil {
				return err
			}
			if asJSON {
				return writeJSON(cmd.OutOrStdout(), results)
			}
			for _, r := range results {
				fmt.Fprintf(cmd.OutOrStdout(), "%s: %d keypoints -> %s\n", r.Path, r.NumKeypoints, r.FeatureFile)
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&asJSON, "json", false, "print keypoint arrays as JSON instead of writing feature files")
	cmd.Flags().IntVarP(&jobs, "jobs", "j", 0, "images processed concurrently (default from config)")
	cmd.Flags().Float64Var(&threshold, "threshold", 0, "Hessian response threshold")
	cmd.Flags().BoolVar(&upscale, "upscale", false, "double the image before detection")
	return cmd
}

func (a *app) extractDescCmd() *cobra.Command {
	var out string

	cmd := &cobra.Command{
		Use:   "extract_desc <img> <kpts.hesaff.sift>",
		Short: "Compute descriptors for the ellipses of a feature file",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			imgPath, kptsPath := args[0], args[1]

			f, err := os.Open(kptsPath)
			if err != nil {
				return fmt.Errorf("failed to open keypoints: %w", err)
			}
			_, features, err := hesaff.ReadFeatures(f)
			f.Close()
			if err != nil {
				return fmt.Errorf("%s: %w", kptsPath, err)
			}

			kpts := make([]hesaff.Kpt, len(features))
			for i, feat := range features {
				kpts[i] = feat.Kpt()
			}

			det, err := hesaff.NewFromFile(imgPath, a.cfg.Detector, hesaff.WithLogger(a.log))
			if err != nil {
				return err
			}
			descs, err := det.ExtractDesc(cmd.Context(), kpts)
			if err != nil {
				return err
			}
			for i := range features {
				features[i].Desc = descs[i]
			}

			if out == "" {
				out = strings.TrimSuffix(kptsPath, hesaff.FeatureSuffix) + ".desc" + hesaff.FeatureSuffix
			}
			err = writeOutput(out, cmd.OutOrStdout(), func(w io.Writer) error {
				return hesaff.WriteFeatureText(w, a.cfg.Detector.DescriptorSize(), features)
			})
			if err != nil || out == "-" {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: %d keypoints -> %s\n", imgPath, len(features), out)
			return nil
		},
	}

	cmd.Flags().StringVarP(&out, "out", "o", "", "output feature file (default <kpts>.desc.hesaff.sift), - for stdout after the banner")
	return cmd
}

func (a *app) drawKptsCmd() *cobra.Command {
	var (
		out       string
		colorHex  string
		showIndex bool
	)

	cmd := &cobra.Command{
		Use:   "draw_kpts <img>",
		Short: "Draw keypoint ellipses over an image",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cache := imaging.NewImageCache()
			keys, err := a.detect(cmd.Context(), cache, args[0])
			if err != nil {
				return err
			}
			img, err := cache.Load(args[0])
			if err != nil {
				return err
			}

			overlay, err := imaging.DrawKeypoints(img, keys, imaging.OverlayOptions{
				MRSize:    a.cfg.Detector.Affine.MRSize,
				ColorHex:  colorHex,
				ShowIndex: showIndex,
			})
			if err != nil {
				return err
			}

			if out == "" {
				out = strings.TrimSuffix(args[0], ".png") + ".kpts.png"
			}
			if err := imaging.SaveImage(out, overlay); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: %d keypoints -> %s\n", args[0], len(keys), out)
			return nil
		},
	}

	cmd.Flags().StringVarP(&out, "out", "o", "", "output PNG (default <img>.kpts.png)")
	cmd.Flags().StringVar(&colorHex, "color", "", "ellipse color as hex, default colors by response")
	cmd.Flags().BoolVar(&showIndex, "show-index", false, "label keypoints with their index")
	return cmd
}

func (a *app) exportPatchCmd() *cobra.Command {
	var (
		out   string
		index int
		scale float64
	)

	cmd := &cobra.Command{
		Use:   "export_patch <img>",
		Short: "Save the normalised patch of one keypoint as PNG",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cache := imaging.NewImageCache()
			keys, err := a.detect(cmd.Context(), cache, args[0])
			if err != nil {
				return err
			}
			if index < 0 || index >= len(keys) {
				return fmt.Errorf("keypoint index %d out of range [0, %d)", index, len(keys))
			}

			gray, err := cache.LoadGray(args[0])
			if err != nil {
				return err
			}
			det, err := hesaff.New(gray, a.cfg.Detector, hesaff.WithLogger(a.log))
			if err != nil {
				return err
			}
			patch, ok := det.Patch(hesaff.ToKpt(keys[index], a.cfg.Detector.Affine.MRSize))
			if !ok {
				return fmt.Errorf("keypoint %d region leaves the image", index)
			}

			if out == "" {
				out = fmt.Sprintf("%s.patch%d.png", strings.TrimSuffix(args[0], ".png"), index)
			}
			if err := imgio.Save(out, imaging.ScalePatch(patch, scale), imgio.PNGEncoder()); err != nil {
				return fmt.Errorf("failed to save patch: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: keypoint %d -> %s\n", args[0], index, out)
			return nil
		},
	}

	cmd.Flags().StringVarP(&out, "out", "o", "", "output PNG (default <img>.patch<index>.png)")
	cmd.Flags().IntVar(&index, "index", 0, "keypoint index in detection order")
	cmd.Flags().Float64Var(&scale, "scale", 1.0, "magnification of the patch")
	return cmd
}

func (a *app) imageInfoCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "image_info <img>...",
		Short: "Print image metadata as JSON",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cache := imaging.NewImageCache()
			infos := make([]*imaging.ImageInfo, 0, len(args))
			for _, path := range args {
				info, err := imaging.LoadImageInfo(cache, path, a.cfg.Output.Suffix)
				if err != nil {
					return err
				}
				infos = append(infos, info)
			}
			return writeJSON(cmd.OutOrStdout(), infos)
		},
	}
}

func (a *app) serveMCPCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve_mcp",
		Short: "Serve the detector as MCP tools over stdio",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			logging.InfoMsg("serving MCP on stdio\n")
			srv := server.New(a.cfg.Detector, a.log)
			return srv.Run(cmd.Context(), cmd.InOrStdin(), cmd.OutOrStdout())
		},
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			w := cmd.OutOrStdout()
			fmt.Fprintf(w, "pyhesaff %s\n", Version)
			fmt.Fprintf(w, "  Build time: %s\n", BuildTime)
			fmt.Fprintf(w, "  Git commit: %s\n", GitCommit)
		},
	}
}

// detect runs detection on the cached grayscale image at path.
func (a *app) detect(ctx context.Context, cache *imaging.ImageCache, path string) ([]hesaff.Keypoint, error) {
	gray, err := cache.LoadGray(path)
	if err != nil {
		return nil, err
	}
	det, err := hesaff.New(gray, a.cfg.Detector, hesaff.WithLogger(a.log))
	if err != nil {
		return nil, err
	}
	if _, err := det.Detect(ctx); err != nil {
		return nil, err
	}
	return det.Keypoints(), nil
}

func writeJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// writeOutput calls write with stdout for "-" and with a new file at path
// otherwise.
func writeOutput(path string, stdout io.Writer, write func(io.Writer) error) error {
	if path == "-" {
		return write(stdout)
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", path, err)
	}
	if err := write(f); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
