package submit

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/modularity/mbs/manifest"
	"github.com/modularity/mbs/models"
)

// LoadLocalBuilds imports finished module builds from a local results
// directory as READY rows, so the DB resolver can buildrequire them.
// Each build lives in a directory named module-<name>-<stream>-<version>
// containing results/modules.yaml; the directory path doubles as the
// build's tag.
func LoadLocalBuilds(ctx context.Context, store *models.Store, resultsdir string, logger *slog.Logger) ([]*models.ModuleBuild, error) {
	if logger == nil {
		logger = slog.Default()
	}

	dirEntries, err := os.ReadDir(resultsdir)
	if err != nil {
		return nil, fmt.Errorf("read results directory %s: %w", resultsdir, err)
	}

	var imported []*models.ModuleBuild
	_, err = store.WithSession(ctx, func(sess *models.Session) error {
		for _, entry := range dirEntries {
			if !entry.IsDir() || !strings.HasPrefix(entry.Name(), "module-") {
				continue
			}
			path := filepath.Join(resultsdir, entry.Name())
			mb, err := importLocalBuild(sess, path, logger)
			if err != nil {
				return err
			}
			if mb != nil {
				imported = append(imported, mb)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return imported, nil
}

func importLocalBuild(sess *models.Session, path string, logger *slog.Logger) (*models.ModuleBuild, error) {
	mmdPath := filepath.Join(path, "results", "modules.yaml")
	data, err := os.ReadFile(mmdPath)
	if err != nil {
		if os.IsNotExist(err) {
			logger.Warn("Skipping local build without manifest", "path", path)
			return nil, nil
		}
		return nil, fmt.Errorf("read %s: %w", mmdPath, err)
	}

	doc, err := manifest.Parse(data)
	if err != nil {
		return nil, fmt.Errorf("local build %s: %w", path, err)
	}

	existing, err := sess.GetBuildFromNSVC(doc.Data.Name, doc.Data.Stream, doc.Data.Version, doc.Data.Context)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return existing, nil
	}

	mb := &models.ModuleBuild{
		Name:     doc.Data.Name,
		Stream:   doc.Data.Stream,
		Version:  doc.Data.Version,
		Context:  doc.Data.Context,
		State:    models.StateReady,
		Owner:    "local",
		KojiTag:  path,
		Modulemd: string(data),
	}
	if err := sess.CreateModule(mb); err != nil {
		return nil, err
	}
	logger.Info("Imported local module build", "nsvc", mb.NSVC(), "path", path)
	return mb, nil
}
