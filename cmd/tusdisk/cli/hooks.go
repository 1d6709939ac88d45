package cli

import (
	"strings"

	"github.com/tusdisk/tusdisk/pkg/hooks"
	"github.com/tusdisk/tusdisk/pkg/hooks/file"
	"github.com/tusdisk/tusdisk/pkg/hooks/http"
	"github.com/tusdisk/tusdisk/pkg/hooks/plugin"
)

// getHookHandler returns the hook system selected by the flags or nil if
// hooks are not used.
func getHookHandler() hooks.HookHandler {
	if Flags.FileHooksDir != "" {
		printStartupLog("Using '%s' for hooks", Flags.FileHooksDir)

		return &file.FileHook{
			Directory: Flags.FileHooksDir,
		}
	} else if Flags.HttpHooksEndpoint != "" {
		printStartupLog("Using '%s' as the endpoint for hooks", Flags.HttpHooksEndpoint)

		return &http.HttpHook{
			Endpoint:       Flags.HttpHooksEndpoint,
			MaxRetries:     Flags.HttpHooksRetry,
			Backoff:        Flags.HttpHooksBackoff,
			Timeout:        Flags.HttpHooksTimeout,
			SizeLimit:      Flags.HttpHooksSizeLimit,
			ForwardHeaders: splitList(Flags.HttpHooksForwardHeaders),
		}
	} else if Flags.PluginHookPath != "" {
		printStartupLog("Using '%s' to load plugin for hooks", Flags.PluginHookPath)

		hook := &plugin.PluginHook{
			Path: Flags.PluginHookPath,
		}
		closers = append(closers, func() error {
			hook.Close()
			return nil
		})
		return hook
	}

	return nil
}

func printEnabledHooks() {
	enabledHooksString := make([]string, 0, len(Flags.EnabledHooks))
	for _, h := range Flags.EnabledHooks {
		enabledHooksString = append(enabledHooksString, string(h))
	}

	printStartupLog("Enabled hook events: %s", strings.Join(enabledHooksString, ", "))
}
