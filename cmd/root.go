package cmd

import (
	"fmt"
	"os"

	"github.com/gookit/color"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/stackpod/nodepack/pkg/nodepack"
)

// envPrefix scopes all recognized environment variables, e.g. NODEPACK_STACK.
const envPrefix = "NODEPACK"

var (
	verbose bool

	// cfgEnv imports the host platform's environment once at startup. The
	// core packages never read ambient process state; they only see the
	// immutable Config assembled here.
	cfgEnv = viper.New()
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "nodepack",
	Short: "A caching Node.js build environment bootstrapper",
	// Execute owns the error message; cobra echoing it would print it a
	// second time.
	SilenceErrors: true,
	Long: color.Render(`<light_yellow>Nodepack provisions disposable, isolated build environments</> for the Node.js runtime
and persists reusable portions of the result as versioned, content-keyed cache layers.

<white>Configuration</>
Nodepack is configured through flags and environment variables:
          <light_blue>NODEPACK_STACK</>  The target base image stack. Required; one of 18, 20, 22.
        <light_blue>NODEPACK_RELEASE</>  Overrides the runtime release to install.
         <light_blue>NODEPACK_MIRROR</>  Overrides the artifact mirror base URL.
      <light_blue>NODEPACK_CACHE_DIR</>  Location of the local cache layers and fetched artifacts.
      <light_blue>NODEPACK_BUILD_DIR</>  The sandbox-addressable execution root.
     <light_blue>NODEPACK_OUTPUT_DIR</>  The final build output path.
         <light_blue>NODEPACK_BUCKET</>  Enables the remote cache layer. Set to the S3 bucket name.
          <light_blue>NODEPACK_TRACE</>  Enables debug tracing.
 <light_blue>NODEPACK_KEEP_ARTIFACTS</>  Keeps ephemeral image artifacts at build end (cache testing).
`),
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		if verbose || cfgEnv.GetBool("trace") {
			log.SetLevel(log.DebugLevel)
		}
	},
}

// Execute adds all child commands to the root command and sets flags
// appropriately. This is called by main.main().
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}

func init() {
	cfgEnv.SetEnvPrefix(envPrefix)
	cfgEnv.AutomaticEnv()
	cfgEnv.SetDefault("cache_dir", "/var/cache/nodepack")
	cfgEnv.SetDefault("build_dir", "/tmp/nodepack/build")
	cfgEnv.SetDefault("pin_file", "versions.yaml")

	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enables verbose logging")
}

// getConfig assembles the immutable build configuration from the imported
// environment and the command's flags. Flags win over environment values.
func getConfig(cmd *cobra.Command) nodepack.Config {
	stringOpt := func(flag, key string) string {
		if cmd.Flags().Changed(flag) {
			val, _ := cmd.Flags().GetString(flag)
			return val
		}
		return cfgEnv.GetString(key)
	}

	cfg := nodepack.Config{
		Stack:         nodepack.Stack(stringOpt("stack", "stack")),
		Release:       stringOpt("release", "release"),
		Mirror:        stringOpt("mirror", "mirror"),
		PinFile:       stringOpt("pin-file", "pin_file"),
		CacheDir:      stringOpt("cache-dir", "cache_dir"),
		BuildDir:      stringOpt("build-dir", "build_dir"),
		OutputDir:     stringOpt("output", "output_dir"),
		Trace:         cfgEnv.GetBool("trace"),
		KeepArtifacts: cfgEnv.GetBool("keep_artifacts"),
		RemoteBucket:  cfgEnv.GetString("bucket"),
		RemoteRegion:  cfgEnv.GetString("bucket_region"),
	}
	if cfg.OutputDir == "" {
		cfg.OutputDir = cfg.BuildDir
	}
	if keep, _ := cmd.Flags().GetBool("keep-artifacts"); keep {
		cfg.KeepArtifacts = true
	}
	return cfg
}
