//go:build ignore

// build.go - Licensing build script
// Usage: go run build.go [-target=TARGET] [-v]
// Targets: all, server, check, test, clean, release

package main

import (
	"flag"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"time"
)

const (
	module      = "github.com/MacMoment/licensing"
	versionPkg  = module + "/pkg/contracts"
	distDirName = "dist"
)

// executables maps the cmd/ directory to the output binary name
var executables = map[string]string{
	"license-server": "license-server",
	"license-check":  "license-check",
}

// releasePlatforms are the GOOS/GOARCH pairs built by the release target
var releasePlatforms = [][2]string{
	{"linux", "amd64"},
	{"linux", "arm64"},
	{"darwin", "arm64"},
	{"windows", "amd64"},
}

var (
	colorReset  = "\033[0m"
	colorRed    = "\033[31m"
	colorGreen  = "\033[32m"
	colorYellow = "\033[33m"
	colorBlue   = "\033[34m"
)

type buildContext struct {
	verbose bool
	rootDir string
	distDir string
	commit  string
}

func main() {
	target := flag.String("target", "all", "Build target")
	verbose := flag.Bool("v", false, "Verbose output")
	flag.Parse()

	root, err := os.Getwd()
	if err != nil {
		printError(fmt.Sprintf("Failed to get current directory: %v", err))
		os.Exit(1)
	}
	ctx := &buildContext{
		verbose: *verbose,
		rootDir: root,
		distDir: filepath.Join(root, distDirName),
		commit:  gitCommit(root),
	}

	start := time.Now()
	switch *target {
	case "all":
		for name := range executables {
			build(ctx, name, runtime.GOOS, runtime.GOARCH)
		}
	case "server":
		build(ctx, "license-server", runtime.GOOS, runtime.GOARCH)
	case "check":
		build(ctx, "license-check", runtime.GOOS, runtime.GOARCH)
	case "test":
		runTests(ctx)
	case "clean":
		clean(ctx)
	case "release":
		release(ctx)
	default:
		showHelp()
		os.Exit(1)
	}
	printSuccess(fmt.Sprintf("Build completed in %s", time.Since(start).Round(time.Millisecond)))
}

func build(ctx *buildContext, name, goos, goarch string) {
	exe := executables[name]
	if goos == "windows" {
		exe += ".exe"
	}
	out := filepath.Join(ctx.distDir, exe)
	if goos != runtime.GOOS || goarch != runtime.GOARCH {
		out = filepath.Join(ctx.distDir, goos+"_"+goarch, exe)
	}
	printInfo(fmt.Sprintf("Building %s for %s/%s...", name, goos, goarch))

	ldflags := fmt.Sprintf("-s -w -X %s.BuildTime=%s -X %s.GitCommit=%s",
		versionPkg, time.Now().UTC().Format(time.RFC3339), versionPkg, ctx.commit)

	args := []string{"build"}
	if ctx.verbose {
		args = append(args, "-v")
	}
	args = append(args, "-trimpath", "-ldflags", ldflags, "-o", out, "./cmd/"+name)

	cmd := exec.Command("go", args...)
	cmd.Dir = ctx.rootDir
	cgo := "1"
	if goos != runtime.GOOS || goarch != runtime.GOARCH {
		// the sqlite driver needs cgo; cross builds ship without it
		cgo = "0"
	}
	cmd.Env = append(os.Environ(), "GOOS="+goos, "GOARCH="+goarch, "CGO_ENABLED="+cgo)
	cmd.Stderr = os.Stderr
	if ctx.verbose {
		fmt.Printf("go %s\n", strings.Join(args, " "))
		cmd.Stdout = os.Stdout
	}
	if err := cmd.Run(); err != nil {
		printError(fmt.Sprintf("Failed to build %s: %v", name, err))
		os.Exit(1)
	}

	if info, err := os.Stat(out); err == nil {
		printSuccess(fmt.Sprintf("Built %s (%.1f MB)", out, float64(info.Size())/1024/1024))
	}
}

func runTests(ctx *buildContext) {
	printInfo("Running Go tests...")
	args := []string{"test", "-race"}
	if ctx.verbose {
		args = append(args, "-v")
	}
	args = append(args, "./...")

	cmd := exec.Command("go", args...)
	cmd.Dir = ctx.rootDir
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	if err := cmd.Run(); err != nil {
		printError(fmt.Sprintf("Go tests failed: %v", err))
		os.Exit(1)
	}
	printSuccess("All tests passed")
}

func clean(ctx *buildContext) {
	printInfo("Cleaning build artifacts...")
	if err := os.RemoveAll(ctx.distDir); err != nil {
		printError(fmt.Sprintf("Failed to clean %s: %v", ctx.distDir, err))
		os.Exit(1)
	}
	printSuccess("Build artifacts cleaned")
}

func release(ctx *buildContext) {
	clean(ctx)
	for _, p := range releasePlatforms {
		for name := range executables {
			build(ctx, name, p[0], p[1])
		}
	}

	content := fmt.Sprintf("commit: %s\nbuilt: %s\n", ctx.commit, time.Now().UTC().Format(time.RFC3339))
	if err := os.WriteFile(filepath.Join(ctx.distDir, "VERSION.txt"), []byte(content), 0o644); err != nil {
		printWarning(fmt.Sprintf("Failed to write VERSION.txt: %v", err))
	}
	printSuccess("Release build completed")
}

func gitCommit(dir string) string {
	cmd := exec.Command("git", "rev-parse", "--short", "HEAD")
	cmd.Dir = dir
	out, err := cmd.Output()
	if err != nil {
		return "unknown"
	}
	return strings.TrimSpace(string(out))
}

func printInfo(msg string)    { fmt.Printf("%s[INFO]%s %s\n", colorBlue, colorReset, msg) }
func printSuccess(msg string) { fmt.Printf("%s[SUCCESS]%s %s\n", colorGreen, colorReset, msg) }
func printError(msg string)   { fmt.Printf("%s[ERROR]%s %s\n", colorRed, colorReset, msg) }
func printWarning(msg string) { fmt.Printf("%s[WARNING]%s %s\n", colorYellow, colorReset, msg) }

func showHelp() {
	fmt.Println("Usage: go run build.go [-target=TARGET] [-v]")
	fmt.Println()
	fmt.Println("Targets:")
	fmt.Println("  all       Build license-server and license-check (default)")
	fmt.Println("  server    Build license-server only")
	fmt.Println("  check     Build license-check only")
	fmt.Println("  test      Run all tests with the race detector")
	fmt.Println("  clean     Remove dist/")
	fmt.Println("  release   Cross-compile both binaries into dist/<os>_<arch>")
}
