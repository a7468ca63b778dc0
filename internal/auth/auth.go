// Package auth resolves provider credentials.
//
// Each provider's API key is looked up in order: the value given in the
// configuration file, environment variables, AWS SSM Parameter Store
// (SecureString), and finally a GPG-encrypted file under ~/.mediaquery.
package auth

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
	"github.com/rs/zerolog/log"
)

const (
	// DefaultCredentialDir is the directory under $HOME holding <name>.gpg files.
	DefaultCredentialDir = ".mediaquery"

	// DefaultSSMPrefix is prepended to "<provider>/api-key" to form the
	// parameter name.
	DefaultSSMPrefix = "/mediaquery/"
)

// Source identifies where a key was found.
type Source string

const (
	SourceConfig Source = "config"
	SourceEnv    Source = "env"
	SourceSSM    Source = "ssm"
	SourceGPG    Source = "gpg"
)

// ErrNoKey is returned when no source holds a key for the provider.
var ErrNoKey = errors.New("API key not found")

// ParameterGetter is the subset of the SSM client used here.
type ParameterGetter interface {
	GetParameter(ctx context.Context, params *ssm.GetParameterInput, optFns ...func(*ssm.Options)) (*ssm.GetParameterOutput, error)
}

// Resolver looks up API keys. The zero value skips SSM and reads GPG files
// from ~/.mediaquery.
type Resolver struct {
	// SSM enables Parameter Store lookups when non-nil.
	SSM ParameterGetter

	// SSMPrefix defaults to DefaultSSMPrefix.
	SSMPrefix string

	// CredentialDir overrides ~/.mediaquery.
	CredentialDir string

	// decrypt replaces the gpg invocation (tests).
	decrypt func(path string) (string, error)
}

// EnvNames returns the environment variables checked for a provider, most
// specific first: <NAME>_API_KEY, then <KIND>_API_KEY.
func EnvNames(name, kind string) []string {
	norm := func(s string) string {
		s = strings.ToUpper(s)
		return strings.NewReplacer("-", "_", ".", "_", " ", "_").Replace(s) + "_API_KEY"
	}
	names := []string{norm(name)}
	if kind != "" && !strings.EqualFold(kind, name) {
		names = append(names, norm(kind))
	}
	return names
}

// APIKey resolves the key for the named provider.
func (r *Resolver) APIKey(ctx context.Context, name, kind, configured string) (string, Source, error) {
	if configured != "" {
		return configured, SourceConfig, nil
	}

	for _, env := range EnvNames(name, kind) {
		if key := os.Getenv(env); key != "" {
			log.Debug().Str("provider", name).Str("env_var", env).Msg("Using API key from environment variable")
			return key, SourceEnv, nil
		}
	}

	if r.SSM != nil {
		key, err := r.fromSSM(ctx, name)
		if err == nil && key != "" {
			return key, SourceSSM, nil
		}
		log.Debug().Err(err).Str("provider", name).Msg("API key not in SSM")
	}

	key, err := r.fromGPG(name)
	if err == nil && key != "" {
		log.Debug().Str("provider", name).Msg("Using API key from GPG encrypted file")
		return key, SourceGPG, nil
	}

	return "", "", fmt.Errorf("%w for provider %q: set %s or store it in %s", ErrNoKey, name,
		strings.Join(EnvNames(name, kind), " or "), r.gpgPath(name))
}

// SSMParamName returns the parameter name consulted for a provider.
func (r *Resolver) SSMParamName(name string) string {
	prefix := r.SSMPrefix
	if prefix == "" {
		prefix = DefaultSSMPrefix
	}
	if !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}
	return prefix + name + "/api-key"
}

func (r *Resolver) fromSSM(ctx context.Context, name string) (string, error) {
	param := r.SSMParamName(name)
	start := time.Now()
	out, err := r.SSM.GetParameter(ctx, &ssm.GetParameterInput{
		Name:           aws.String(param),
		WithDecryption: aws.Bool(true),
	})
	if err != nil {
		return "", fmt.Errorf("read %s: %w", param, err)
	}
	if out.Parameter == nil {
		return "", fmt.Errorf("parameter %s has no value", param)
	}
	log.Debug().Str("param", param).Dur("elapsed", time.Since(start)).Msg("API key loaded from SSM")
	return aws.ToString(out.Parameter.Value), nil
}

func (r *Resolver) gpgPath(name string) string {
	dir := r.CredentialDir
	if dir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return filepath.Join(DefaultCredentialDir, name+".gpg")
		}
		dir = filepath.Join(home, DefaultCredentialDir)
	}
	return filepath.Join(dir, name+".gpg")
}

func (r *Resolver) fromGPG(name string) (string, error) {
	path := r.gpgPath(name)
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return "", fmt.Errorf("GPG credentials file not found at %s", path)
	}
	decrypt := r.decrypt
	if decrypt == nil {
		decrypt = gpgDecrypt
	}
	return decrypt(path)
}

// gpgDecrypt runs gpg on path. A passphrase file next to the executable or
// in the working directory enables non-interactive use when it is owner-only.
func gpgDecrypt(path string) (string, error) {
	log.Debug().Str("file", path).Msg("Decrypting GPG credentials")

	args := []string{"--decrypt", "--quiet"}
	if pp := passphrasePath(); pp != "" {
		fi, err := os.Stat(pp)
		if err == nil {
			if mode := fi.Mode().Perm(); mode&0077 != 0 {
				log.Warn().
					Str("passphrase_file", pp).
					Str("permissions", fmt.Sprintf("%04o", mode)).
					Msg("Passphrase file has insecure permissions (should be 0600); skipping")
			} else {
				args = append(args, "--pinentry-mode", "loopback", "--passphrase-file", pp)
			}
		}
	}
	args = append(args, path)

	output, err := exec.Command("gpg", args...).Output()
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return "", fmt.Errorf("GPG decryption failed: %s", strings.TrimSpace(string(exitErr.Stderr)))
		}
		return "", fmt.Errorf("GPG decryption failed: %w", err)
	}
	return strings.TrimSpace(string(output)), nil
}

func passphrasePath() string {
	if exe, err := os.Executable(); err == nil {
		p := filepath.Join(filepath.Dir(exe), ".gpg-passphrase")
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	if cwd, err := os.Getwd(); err == nil {
		return filepath.Join(cwd, ".gpg-passphrase")
	}
	return ""
}
