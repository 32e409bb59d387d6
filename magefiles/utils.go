//go:build mage

package main

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"

	"github.com/magefile/mage/mg"
)

// vulkanTag selects the Vulkan backend at build time.
const vulkanTag = "vulkan"

type cmdOptions struct {
	args   []string
	env    []string
	stream bool
}

type cmdOption func(*cmdOptions)

func withArgs(args ...string) cmdOption {
	return func(o *cmdOptions) {
		o.args = append(o.args, args...)
	}
}

// withEnv adds KEY=VALUE pairs on top of the current environment.
func withEnv(env ...string) cmdOption {
	return func(o *cmdOptions) {
		o.env = append(o.env, env...)
	}
}

func withStream() cmdOption {
	return func(o *cmdOptions) {
		o.stream = true
	}
}

// goCmd runs a go subcommand. The vulkan flavour needs cgo for the loader.
func goCmd(subcommand string, vulkan bool, args ...string) error {
	options := []cmdOption{withArgs(subcommand), withStream()}
	if vulkan {
		options = append(options, withArgs("-tags", vulkanTag), withEnv("CGO_ENABLED=1"))
	}
	options = append(options, withArgs(args...))
	_, err := executeCmd("go", options...)
	return err
}

// requireGlslc fails early when the shader compiler the Vulkan backend shells
// out to is missing.
func requireGlslc() error {
	path, err := exec.LookPath("glslc")
	if err != nil {
		return fmt.Errorf("glslc not found, install the Vulkan SDK or shaderc: %w", err)
	}
	out, err := executeCmd(path, withArgs("--version"))
	if err != nil {
		return err
	}
	if mg.Verbose() {
		fmt.Println(strings.SplitN(out, "\n", 2)[0])
	}
	return nil
}

func executeCmd(command string, options ...cmdOption) (string, error) {
	opts := &cmdOptions{}
	for _, o := range options {
		o(opts)
	}

	fmt.Printf("Executing: %s %s\n", command, strings.Join(opts.args, " "))
	cmd := exec.Command(command, opts.args...)
	if len(opts.env) > 0 {
		cmd.Env = append(os.Environ(), opts.env...)
	}

	streamOutput := mg.Verbose() || opts.stream

	var b bytes.Buffer
	if streamOutput {
		cmd.Stdout = io.MultiWriter(&b, os.Stdout)
		cmd.Stderr = io.MultiWriter(&b, os.Stderr)
	} else {
		cmd.Stdout = &b
		cmd.Stderr = &b
	}
	if err := cmd.Run(); err != nil {
		if !streamOutput {
			fmt.Println("... failed command output:")
			fmt.Println(b.String())
		}
		return "", fmt.Errorf("%s %s: %w", command, strings.Join(opts.args, " "), err)
	}
	return b.String(), nil
}
