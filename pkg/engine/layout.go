package engine

import (
	"os"
	"path/filepath"
)

// Directory names under a task's base directory.
const (
	workingDirRoot    = "terragrunt-working-dir"
	scriptRepoDir     = "script-repository"
	varFilesDir       = "tf-var-files"
	backendConfigDir  = "tf-backend-config"
	outputsDir        = "outputs"
	outputFileName    = "output.json"
	planJSONFileName  = "plan.json"
	planHumanFileName = "plan.txt"
)

// State file names relative to the terragrunt working directory.
const (
	stateFileName      = "terraform.tfstate"
	workspaceStateRoot = "terraform.tfstate.d"
	defaultWorkspace   = "default"
)

// Layout is the on-disk namespace of one (account, entity) pair.
type Layout struct {
	Base          string
	Script        string
	VarFiles      string
	BackendConfig string
	Outputs       string
}

// NewLayout returns the layout for accountID and entityID under root.
// Distinct pairs never share a directory.
func NewLayout(root, accountID, entityID string) Layout {
	base := filepath.Join(root, workingDirRoot, accountID, entityID)
	return Layout{
		Base:          base,
		Script:        filepath.Join(base, scriptRepoDir),
		VarFiles:      filepath.Join(base, varFilesDir),
		BackendConfig: filepath.Join(base, backendConfigDir),
		Outputs:       filepath.Join(base, outputsDir),
	}
}

// create makes every directory of the layout.
func (l Layout) create() error {
	for _, dir := range []string{l.Script, l.VarFiles, l.BackendConfig, l.Outputs} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	return nil
}

// StateFilePath returns where terraform keeps state for workspace inside
// workingDir.
func StateFilePath(workingDir, workspace string) string {
	if workspace == "" || workspace == defaultWorkspace {
		return filepath.Join(workingDir, stateFileName)
	}
	return filepath.Join(workingDir, workspaceStateRoot, workspace, stateFileName)
}

// removeStale deletes lock files and caches a previous run left under dir.
func removeStale(dir string) ([]string, error) {
	var removed []string
	err := filepath.WalkDir(dir, func(p string, d os.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		switch {
		case d.IsDir() && d.Name() == ".git":
			return filepath.SkipDir
		case d.IsDir() && d.Name() == ".terragrunt-cache":
			if err := os.RemoveAll(p); err != nil {
				return err
			}
			removed = append(removed, p)
			return filepath.SkipDir
		case !d.IsDir() && d.Name() == ".terraform.lock.hcl",
			!d.IsDir() && d.Name() == stateFileName && filepath.Base(filepath.Dir(p)) == ".terraform":
			if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
				return err
			}
			removed = append(removed, p)
		}
		return nil
	})
	return removed, err
}
