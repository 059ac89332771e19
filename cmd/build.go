package cmd

import (
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/stackpod/nodepack/pkg/nodepack"
	"github.com/stackpod/nodepack/pkg/nodepack/cache"
	"github.com/stackpod/nodepack/pkg/nodepack/cache/remote"
)

// buildCmd represents the build command
var buildCmd = &cobra.Command{
	Use:   "build",
	Short: "Provisions the build environment and installs dependencies",
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true

		cfg := getConfig(cmd)

		return nodepack.Build(cmd.Context(), cfg,
			nodepack.WithReporter(nodepack.NewConsoleReporter()),
			nodepack.WithRemoteCache(getRemoteCache(cfg)),
		)
	},
}

func getRemoteCache(cfg nodepack.Config) cache.RemoteCache {
	if cfg.RemoteBucket == "" {
		return remote.NoRemoteCache{}
	}

	s3Cache, err := remote.NewS3Cache(&cache.Config{
		BucketName: cfg.RemoteBucket,
		Region:     cfg.RemoteRegion,
	})
	if err != nil {
		log.WithError(err).Warn("cannot initialize remote cache - continuing without")
		return remote.NoRemoteCache{}
	}
	return s3Cache
}

func init() {
	rootCmd.AddCommand(buildCmd)

	buildCmd.Flags().String("stack", "", "target base image stack (18, 20 or 22)")
	buildCmd.Flags().String("release", "", "runtime release override")
	buildCmd.Flags().String("mirror", "", "artifact mirror base URL")
	buildCmd.Flags().String("pin-file", "", "version-pinning file")
	buildCmd.Flags().String("cache-dir", "", "local cache location")
	buildCmd.Flags().String("build-dir", "", "sandbox execution root")
	buildCmd.Flags().String("output", "", "final build output path")
	buildCmd.Flags().Bool("keep-artifacts", false, "keep ephemeral image artifacts at build end")
}
