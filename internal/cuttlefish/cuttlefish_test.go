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
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aadk-dev/platform/internal/targets"
)

func TestParseCvdStatus(t *testing.T) {
	stdout := "Instance Name: cvd-1\nState: Running\nADB Serial: 0.0.0.0:6520\nADB Connection Status: device\n"
	st := parseCvdStatus(stdout)

	assert.True(t, st.Installed)
	assert.True(t, st.Running)
	assert.Equal(t, "0.0.0.0:6520", st.AdbSerial)
	assert.Equal(t, "device", st.AdbState)
	assert.Equal(t, "cvd-1", st.Raw["instance_name"])
}

func TestParseCvdStatusNotRunning(t *testing.T) {
	st := parseCvdStatus("State: Stopped\n")
	assert.False(t, st.Running)
}

func TestParseAdbDevicesPrefersMatchingAddress(t *testing.T) {
	output := "List of devices attached\nemulator-5554\tdevice\n127.0.0.1:6520\tdevice\n"

	serial, ok := parseAdbDevices(output, "localhost:6520")
	require.True(t, ok)
	assert.Equal(t, "127.0.0.1:6520", serial)
}

func TestParseAdbDevicesFallsBackWithoutWantAddr(t *testing.T) {
	output := "List of devices attached\nemulator-5554\tdevice\n"
	serial, ok := parseAdbDevices(output, "")
	require.True(t, ok)
	assert.Equal(t, "emulator-5554", serial)
}

func TestParseAdbDevicesNoneOnline(t *testing.T) {
	output := "List of devices attached\nemulator-5554\toffline\n"
	_, ok := parseAdbDevices(output, "")
	assert.False(t, ok)
}

func TestProductOfFromBuildCommand(t *testing.T) {
	tgt := gridTarget{Target: "aosp_cf_x86_64_phone-trunk_staging-userdebug", BuildCommand: "lunch aosp_cf_x86_64_phone-userdebug && TARGET_PRODUCT=aosp_cf_x86_64_phone m"}
	assert.Equal(t, "aosp_cf_x86_64_phone", productOf(tgt))
}

func TestProductOfFallsBackToTarget(t *testing.T) {
	tgt := gridTarget{Target: "aosp_cf_x86_64_phone-trunk_staging-userdebug"}
	assert.Equal(t, tgt.Target, productOf(tgt))
}

func TestCandidateArtifactNames(t *testing.T) {
	images, host := candidateArtifacts("aosp_cf_x86_64_phone", "aosp_cf_x86_64_phone-trunk_staging-userdebug", "12345")

	assert.Contains(t, images, "aosp_cf_x86_64_phone-img-12345.zip")
	assert.Contains(t, images, "aosp_cf_x86_64_phone-trunk_staging-userdebug-img-12345.zip")
	assert.Contains(t, host, "cvd-host_package.tar.gz")
	assert.Contains(t, host, "cvd-host_package-12345.tar.gz")
}

func TestParseJSVariablesDecodesBuildsList(t *testing.T) {
	html := []byte(`<html><script>var JSVariables = [{"build_id":"100","targets":[{"target":"t","product":"p"}]}];</script></html>`)

	builds, err := parseJSVariables(html)
	require.NoError(t, err)
	require.Len(t, builds, 1)
	assert.Equal(t, "100", builds[0].BuildID)
	assert.Equal(t, "p", builds[0].Targets[0].Product)
}

func TestParseJSVariablesMissingMarker(t *testing.T) {
	_, err := parseJSVariables([]byte("<html>nothing here</html>"))
	assert.Error(t, err)
}

func TestExtractDownloadURLFromViewerPage(t *testing.T) {
	html := []byte(`<html><script>var JSVariables = {"download_url":"https://example.test/artifact.zip"};</script></html>`)
	url, ok := extractDownloadURL(html)
	require.True(t, ok)
	assert.Equal(t, "https://example.test/artifact.zip", url)
}

func TestArchDefaultsAmd64PrimaryAndFallback(t *testing.T) {
	profile, ok := archDefaults["amd64"]
	require.True(t, ok)

	assert.Equal(t, "aosp-android-latest-release", profile.StandardBranch)
	assert.Equal(t, "aosp_cf_x86_64_only_phone-userdebug", profile.StandardTarget)
	assert.Equal(t, "aosp-main", profile.FallbackBranch)
	assert.Equal(t, "aosp_cf_x86_64_phone-trunk_staging-userdebug", profile.FallbackTarget)
}

func TestCheckPageSizeConsistencyDisabled(t *testing.T) {
	t.Setenv(EnvPageSizeCheck, "0")
	err := checkPageSizeConsistency(BuildRef{Branch: "anything", Target: "anything"})
	assert.NoError(t, err)
}

func TestAugmentTargetsNoRunningInstanceLeavesListUnchanged(t *testing.T) {
	c := &Controller{opts: Options{HomeDir: t.TempDir()}.withDefaults()}
	in := []targets.Target{{TargetID: "device-1", Serial: "ABC123"}}

	out, err := c.AugmentTargets(context.Background(), in)
	require.NoError(t, err)
	assert.Equal(t, in, out)
}

func TestListTargetsNeverDiscoversOnItsOwn(t *testing.T) {
	c := &Controller{opts: Options{HomeDir: t.TempDir()}.withDefaults()}
	out, err := c.ListTargets(context.Background())
	require.NoError(t, err)
	assert.Nil(t, out)
}
