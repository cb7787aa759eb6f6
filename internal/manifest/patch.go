// Package manifest injects the email sign-in deep-link intent filter into an
// Android manifest at build time.
package manifest

// file: internal/manifest/patch.go

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/dkoosis/emailsignin/internal/deeplink"
	"github.com/dkoosis/emailsignin/internal/logging"
)

// PlatformAndroid is the only build target that gets patched.
const PlatformAndroid = "android"

// DefaultRelativePath is where the manifest lives inside a project.
var DefaultRelativePath = filepath.Join("Assets", "Plugins", "Android", "AndroidManifest.xml")

var (
	// ErrManifestNotFound is returned when the manifest file does not exist.
	ErrManifestNotFound = errors.New("android manifest not found")
	// ErrActivityNotFound is returned when the manifest has no </activity>.
	ErrActivityNotFound = errors.New("android manifest has no </activity> element")
)

const activityClose = "</activity>"

// IntentFilter describes the deep link the filter accepts.
type IntentFilter struct {
	Scheme string
	Host   string
	Path   string
}

// Block renders the exact text inserted into the manifest.
func (f IntentFilter) Block() string {
	host := f.Host
	if host == "" {
		host = deeplink.DefaultHost
	}
	path := f.Path
	if path == "" {
		path = deeplink.DefaultPath
	}
	return "<intent-filter>\n" +
		"<action android:name=\"android.intent.action.VIEW\"/>\n" +
		"<category android:name=\"android.intent.category.DEFAULT\"/>\n" +
		"<category android:name=\"android.intent.category.BROWSABLE\"/>\n" +
		"<data android:scheme=\"" + f.Scheme + "\" android:host=\"" + host + "\" android:path=\"" + path + "\"/>\n" +
		"</intent-filter>\n"
}

// Result reports what Patch did.
type Result struct {
	Path string
	// Inserted is false when the exact block was already present.
	Inserted bool
}

// Patch inserts filter before the first </activity> of the manifest at path.
// Running it again on a patched manifest changes nothing.
func Patch(path string, filter IntentFilter, logger logging.Logger) (Result, error) {
	logger = logging.OrNoop(logger).WithField("component", "manifest_patch")
	res := Result{Path: path}

	if filter.Scheme == "" {
		return res, errors.New("intent filter scheme is required")
	}

	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			logger.Error("Cannot find Android manifest.", "path", path)
			return res, errors.Wrapf(ErrManifestNotFound, "path %s", path)
		}
		return res, errors.Wrapf(err, "failed to stat manifest %s", path)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return res, errors.Wrapf(err, "failed to read manifest %s", path)
	}
	content := string(data)
	block := filter.Block()

	if strings.Contains(content, block) {
		logger.Info("Android manifest already contains the intent filter.", "path", path, "scheme", filter.Scheme)
		return res, nil
	}

	idx := strings.Index(content, activityClose)
	if idx < 0 {
		return res, errors.Wrapf(ErrActivityNotFound, "path %s", path)
	}
	content = content[:idx] + block + content[idx:]

	if err := os.WriteFile(path, []byte(content), info.Mode().Perm()); err != nil {
		return res, errors.Wrapf(err, "failed to write manifest %s", path)
	}
	res.Inserted = true
	logger.Info("Android manifest updated.", "path", path, "scheme", filter.Scheme)
	return res, nil
}

// PatchProject patches the manifest of projectDir when platform is Android
// and reports skipped=true for every other platform.
func PatchProject(platform, projectDir string, filter IntentFilter, logger logging.Logger) (res Result, skipped bool, err error) {
	logger = logging.OrNoop(logger)
	logger.Info("Post-build manifest step.", "platform", platform)
	if !strings.EqualFold(platform, PlatformAndroid) {
		return Result{}, true, nil
	}
	res, err = Patch(filepath.Join(projectDir, DefaultRelativePath), filter, logger)
	return res, false, err
}
