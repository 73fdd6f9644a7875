package cli

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"phaseforge/internal/cache"
	"phaseforge/internal/imageurl"
)

var imagesCmd = &cobra.Command{
	Use:   "images <file|->",
	Short: "Check the image URLs in a file",
	Long: `Extract the image URLs of a source file, check each with a HEAD request and
report the broken ones. With --fix the file is printed with broken URLs
replaced by placeholders; --write rewrites it in place.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, log, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		content, err := readInput(cmd, args[0])
		if err != nil {
			return err
		}
		fix, _ := cmd.Flags().GetBool("fix")
		write, _ := cmd.Flags().GetBool("write")
		if write && args[0] == "-" {
			return fmt.Errorf("--write needs a file")
		}

		redisCache, err := cache.NewFromURL(cfg.Redis.URL, cache.DefaultCacheConfig())
		if err != nil {
			log.Warn("redis unavailable, using memory cache", zap.Error(err))
		}
		defer redisCache.Close()
		v := imageurl.NewValidator(imageurl.Options{
			BatchSize: cfg.Images.BatchSize,
			Timeout:   cfg.Images.Timeout,
			Cache:     cache.NewImageCheckCache(redisCache, cfg.Images.CacheTTL),
			Logger:    log,
		})

		if fix || write {
			res := v.AutoFix(cmd.Context(), content)
			for _, r := range res.Replacements {
				fmt.Fprintf(cmd.ErrOrStderr(), "replaced %s -> %s (%s)\n", r.Original, r.Replacement, r.Reason)
			}
			if write {
				return os.WriteFile(args[0], []byte(res.Content), 0o644)
			}
			_, err := fmt.Fprint(cmd.OutOrStdout(), res.Content)
			return err
		}

		urls := imageurl.Extract(content)
		if len(urls) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "No image URLs found.")
			return nil
		}
		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "STATUS\tCODE\tURL\tALTERNATIVE")
		for _, r := range v.Validate(cmd.Context(), urls) {
			status := "ok"
			if !r.IsValid {
				status = "broken"
			}
			code := "-"
			if r.StatusCode != 0 {
				code = fmt.Sprint(r.StatusCode)
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", status, code, r.URL, r.AlternativeURL)
		}
		return w.Flush()
	},
}

func init() {
	imagesCmd.Flags().Bool("fix", false, "Print the file with broken image URLs replaced")
	imagesCmd.Flags().Bool("write", false, "Rewrite the file in place with broken image URLs replaced")
}
