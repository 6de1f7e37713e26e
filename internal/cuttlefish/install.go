// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package cuttlefish

import (
	"archive/tar"
	"archive/zip"
	"compress/gzip"
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/user"
	"path/filepath"
	"strings"

	"github.com/aadk-dev/platform/pkg/errors"
)

// InstallRequest is the input to InstallCuttlefish.
type InstallRequest struct {
	Branch  string
	Target  string
	BuildID string
	Force   bool
}

const (
	requiredGroups = "kvm,cvdnetwork,render"
)

func requiredGroupList() []string {
	return strings.Split(requiredGroups, ",")
}

// checkKVM verifies /dev/kvm exists and is openable read/write.
func checkKVM() error {
	f, err := os.OpenFile("/dev/kvm", os.O_RDWR, 0)
	if err != nil {
		return errors.Wrap(errors.CodeFailedPrecondition, "/dev/kvm not available for read/write", err)
	}
	return f.Close()
}

// checkPageSizeConsistency ensures a 16K-page host does not install a
// standard-page-size build and vice versa, unless the operator
// disables the check.
func checkPageSizeConsistency(ref BuildRef) error {
	if !pageSizeCheckEnabled() {
		return nil
	}
	profile, ok := archDefaults[normalizedArch()]
	if !ok {
		return nil
	}
	wants16K := ref.Branch == profile.Page16KBranch && ref.Target == profile.Page16KTarget
	if wants16K != is16KPage() {
		return errors.New(errors.CodeFailedPrecondition,
			fmt.Sprintf("host page size %d does not match the %s build's expected page-size class; set %s=0 to override",
				hostPageSize(), ref.Branch, EnvPageSizeCheck))
	}
	return nil
}

// installHostPackages installs cuttlefish-base/cuttlefish-user via the
// host package manager, using sudo -n unless already root. An operator
// override command replaces the whole step.
func installHostPackages(ctx context.Context) (runResult, error) {
	if override := os.Getenv(EnvInstallCmd); override != "" {
		return runShell(ctx, "", override)
	}

	mgr, pkgs := packageManager()
	if mgr == "" {
		return runResult{}, errors.New(errors.CodeUnavailable, "no supported package manager found (apt-get, dnf, pacman)")
	}

	args := append([]string{mgr}, pkgs...)
	if os.Geteuid() != 0 {
		args = append([]string{"sudo", "-n"}, args...)
	}
	return run(ctx, "", "", args[0], args[1:]...)
}

func packageManager() (string, []string) {
	switch {
	case lookPath("apt-get"):
		return "apt-get", []string{"install", "-y", "cuttlefish-base", "cuttlefish-user"}
	case lookPath("dnf"):
		return "dnf", []string{"install", "-y", "cuttlefish-base", "cuttlefish-common"}
	case lookPath("pacman"):
		return "pacman", []string{"-S", "--noconfirm", "cuttlefish"}
	default:
		return "", nil
	}
}

// addUserToGroups adds the current user to any of the required groups
// it is not already a member of.
func addUserToGroups(ctx context.Context) error {
	u, err := user.Current()
	if err != nil {
		return errors.Wrap(errors.CodeInternal, "resolving current user", err)
	}
	groupIDs, err := u.GroupIds()
	if err != nil {
		return errors.Wrap(errors.CodeInternal, "listing current group membership", err)
	}
	member := make(map[string]bool, len(groupIDs))
	for _, gid := range groupIDs {
		if g, err := user.LookupGroupId(gid); err == nil {
			member[g.Name] = true
		}
	}

	for _, group := range requiredGroupList() {
		if member[group] {
			continue
		}
		args := []string{"usermod", "-aG", group, u.Username}
		if os.Geteuid() != 0 {
			args = append([]string{"sudo", "-n"}, args...)
		}
		result, err := run(ctx, "", "", args[0], args[1:]...)
		if err != nil {
			return errors.Wrap(errors.ClassifyExitError(err, result.Combined()), "adding user to group "+group, err)
		}
	}
	return nil
}

// downloadFile fetches url to dest via curl -fL.
func downloadFile(ctx context.Context, url, dest string) error {
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return errors.Wrap(errors.CodeInternal, "creating download directory", err)
	}
	if !lookPath("curl") {
		return downloadFileNative(ctx, url, dest)
	}
	result, err := run(ctx, "", "", "curl", "-fL", "-o", dest, url)
	if err != nil {
		return errors.Wrap(errors.ClassifyExitError(err, result.Combined()), "downloading "+url, err)
	}
	return nil
}

// downloadFileNative is the fallback used when curl isn't on PATH
// (e.g. in a minimal test environment); the Bluetooth recovery and
// readiness probes still require the real curl/adb/cvd binaries, but a
// plain HTTP GET is a reasonable substitute for a single file fetch.
func downloadFileNative(ctx context.Context, url, dest string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return errors.Wrap(errors.CodeUnavailable, "downloading "+url, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return errors.New(errors.CodeUnavailable, fmt.Sprintf("download %s: %s", url, resp.Status))
	}
	f, err := os.Create(dest)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = io.Copy(f, resp.Body)
	return err
}

// extractZip unpacks a zip archive into dir.
func extractZip(path, dir string) error {
	r, err := zip.OpenReader(path)
	if err != nil {
		return errors.Wrap(errors.CodeInternal, "opening image archive", err)
	}
	defer r.Close()

	for _, f := range r.File {
		target := filepath.Join(dir, f.Name)
		if !strings.HasPrefix(target, filepath.Clean(dir)+string(os.PathSeparator)) {
			return errors.New(errors.CodeInvalidArgument, "zip entry escapes extraction dir: "+f.Name)
		}
		if f.FileInfo().IsDir() {
			if err := os.MkdirAll(target, 0o755); err != nil {
				return err
			}
			continue
		}
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return err
		}
		if err := extractZipEntry(f, target); err != nil {
			return err
		}
	}
	return nil
}

func extractZipEntry(f *zip.File, target string) error {
	src, err := f.Open()
	if err != nil {
		return err
	}
	defer src.Close()
	dst, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, f.Mode())
	if err != nil {
		return err
	}
	defer dst.Close()
	_, err = io.Copy(dst, src)
	return err
}

// extractTarGz unpacks a .tar.gz archive into dir.
func extractTarGz(path, dir string) error {
	f, err := os.Open(path)
	if err != nil {
		return errors.Wrap(errors.CodeInternal, "opening host package archive", err)
	}
	defer f.Close()

	gz, err := gzip.NewReader(f)
	if err != nil {
		return errors.Wrap(errors.CodeInternal, "decompressing host package archive", err)
	}
	defer gz.Close()

	tr := tar.NewReader(gz)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		target := filepath.Join(dir, hdr.Name)
		if !strings.HasPrefix(target, filepath.Clean(dir)+string(os.PathSeparator)) {
			return errors.New(errors.CodeInvalidArgument, "tar entry escapes extraction dir: "+hdr.Name)
		}
		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, 0o755); err != nil {
				return err
			}
		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
				return err
			}
			out, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, os.FileMode(hdr.Mode))
			if err != nil {
				return err
			}
			if _, err := io.Copy(out, tr); err != nil {
				out.Close()
				return err
			}
			out.Close()
		}
	}
}

func alreadyInstalled(opts Options) bool {
	images, err1 := os.ReadDir(opts.imagesDir())
	host, err2 := os.ReadDir(opts.hostDir())
	return err1 == nil && err2 == nil && len(images) > 0 && len(host) > 0
}
