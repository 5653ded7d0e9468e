package bus

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"example.com/busmaster/internal/common"
)

var (
	ErrNoConfigFile   = errors.New("project config file is not defined")
	ErrNotProjectFile = errors.New("not a project file")
)

// Project owns the environments, databases, sources and destinations of a
// bus configuration and persists them as YAML.
type Project struct {
	Name        string
	Description string
	ConfigFile  string

	environments []*Environment
	databases    []*Database
	sources      []*Source
	destinations []*Destination
	logger       common.Logger
}

func NewProject(configFile string, logger common.Logger) *Project {
	if logger == nil {
		logger = common.Discard
	}
	return &Project{ConfigFile: configFile, logger: logger}
}

type projectFile struct {
	Name         string              `yaml:"name"`
	Description  string              `yaml:"description,omitempty"`
	Environments []environmentConfig `yaml:"environments,omitempty"`
	Databases    []databaseConfig    `yaml:"databases,omitempty"`
	Sources      []sourceConfig      `yaml:"sources,omitempty"`
	Destinations []destinationConfig `yaml:"destinations,omitempty"`
}

type environmentConfig struct {
	Name             string `yaml:"name"`
	Type             string `yaml:"type"`
	Description      string `yaml:"description,omitempty"`
	ConfigFile       string `yaml:"configFile,omitempty"`
	Enabled          *bool  `yaml:"enabled,omitempty"`
	SharedMemoryName string `yaml:"sharedMemoryName,omitempty"`
	HostName         string `yaml:"hostName,omitempty"`
	Port             uint16 `yaml:"port,omitempty"`
}

type databaseConfig struct {
	Name        string `yaml:"name"`
	Type        string `yaml:"type"`
	Description string `yaml:"description,omitempty"`
	Filename    string `yaml:"filename,omitempty"`
}

type sourceConfig struct {
	Name        string `yaml:"name"`
	Type        string `yaml:"type"`
	Description string `yaml:"description,omitempty"`
	Filename    string `yaml:"filename,omitempty"`
}

type destinationConfig struct {
	Name        string `yaml:"name"`
	Type        string `yaml:"type"`
	Description string `yaml:"description,omitempty"`
	Filename    string `yaml:"filename,omitempty"`
	Compress    bool   `yaml:"compress,omitempty"`
}

// IsProjectFile reports whether path is a regular file holding a project.
func IsProjectFile(path string) bool {
	info, err := os.Stat(path)
	if err != nil || !info.Mode().IsRegular() {
		return false
	}
	_, err = decodeProject(path)
	return err == nil
}

func decodeProject(path string) (projectFile, error) {
	var pf projectFile
	data, err := os.ReadFile(path)
	if err != nil {
		return pf, err
	}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&pf); err != nil {
		return pf, fmt.Errorf("%w: %v", ErrNotProjectFile, err)
	}
	return pf, nil
}

// ReadConfig replaces the project content with the config file content.
// Relative file names are resolved against the config file directory.
func (p *Project) ReadConfig() error {
	if p.ConfigFile == "" {
		return ErrNoConfigFile
	}
	pf, err := decodeProject(p.ConfigFile)
	if err != nil {
		return fmt.Errorf("read project %s: %w", p.ConfigFile, err)
	}
	baseDir := filepath.Dir(p.ConfigFile)
	p.Name = pf.Name
	p.Description = pf.Description
	p.environments = nil
	p.databases = nil
	p.sources = nil
	p.destinations = nil

	for _, cfg := range pf.Environments {
		env := p.CreateEnvironment(EnvironmentTypeFromString(cfg.Type))
		env.Name = cfg.Name
		env.Description = cfg.Description
		env.ConfigFile = resolvePath(baseDir, cfg.ConfigFile)
		env.SharedMemoryName = cfg.SharedMemoryName
		if cfg.Enabled != nil {
			env.enabled = *cfg.Enabled
		}
		if cfg.HostName != "" {
			env.HostName = cfg.HostName
		}
		if cfg.Port != 0 {
			env.Port = cfg.Port
		}
	}
	for _, cfg := range pf.Databases {
		db := p.CreateDatabase(DatabaseTypeFromString(cfg.Type))
		db.Name = cfg.Name
		db.Description = cfg.Description
		db.Filename = resolvePath(baseDir, cfg.Filename)
	}
	for _, cfg := range pf.Sources {
		src := p.CreateSource(SourceTypeFromString(cfg.Type))
		src.Name = cfg.Name
		src.Description = cfg.Description
		src.Filename = resolvePath(baseDir, cfg.Filename)
	}
	for _, cfg := range pf.Destinations {
		dest := p.CreateDestination(DestinationTypeFromString(cfg.Type))
		dest.Name = cfg.Name
		dest.Description = cfg.Description
		dest.Filename = outputPath(baseDir, cfg.Filename)
		dest.Compress = cfg.Compress
	}
	return nil
}

func resolvePath(baseDir, p string) string {
	p = strings.TrimSpace(p)
	if p == "" {
		return ""
	}
	if filepath.IsAbs(p) {
		return filepath.Clean(p)
	}
	candidate := filepath.Clean(filepath.Join(baseDir, p))
	if _, err := os.Stat(candidate); err == nil {
		return candidate
	}
	return filepath.Clean(p)
}

// outputPath places relative output files next to the config file.
func outputPath(baseDir, p string) string {
	p = strings.TrimSpace(p)
	if p == "" {
		return ""
	}
	if filepath.IsAbs(p) {
		return filepath.Clean(p)
	}
	return filepath.Join(baseDir, p)
}

// WriteConfig saves the project. An existing file is kept as a .bak backup.
func (p *Project) WriteConfig() error {
	if p.ConfigFile == "" {
		return ErrNoConfigFile
	}
	pf := projectFile{Name: p.Name, Description: p.Description}
	for _, env := range p.environments {
		enabled := env.enabled
		pf.Environments = append(pf.Environments, environmentConfig{
			Name:             env.Name,
			Type:             env.typ.String(),
			Description:      env.Description,
			ConfigFile:       env.ConfigFile,
			Enabled:          &enabled,
			SharedMemoryName: env.SharedMemoryName,
			HostName:         env.HostName,
			Port:             env.Port,
		})
	}
	for _, db := range p.databases {
		pf.Databases = append(pf.Databases, databaseConfig{
			Name:        db.Name,
			Type:        db.typ.String(),
			Description: db.Description,
			Filename:    db.Filename,
		})
	}
	for _, src := range p.sources {
		pf.Sources = append(pf.Sources, sourceConfig{
			Name:        src.Name,
			Type:        src.typ.String(),
			Description: src.Description,
			Filename:    src.Filename,
		})
	}
	for _, dest := range p.destinations {
		pf.Destinations = append(pf.Destinations, destinationConfig{
			Name:        dest.Name,
			Type:        dest.typ.String(),
			Description: dest.Description,
			Filename:    dest.Filename,
			Compress:    dest.Compress,
		})
	}
	data, err := yaml.Marshal(&pf)
	if err != nil {
		return fmt.Errorf("write project %s: %w", p.ConfigFile, err)
	}
	if err := common.BackupFile(p.ConfigFile); err != nil {
		return fmt.Errorf("backup project %s: %w", p.ConfigFile, err)
	}
	if err := common.EnsureParentDir(p.ConfigFile); err != nil {
		return fmt.Errorf("write project %s: %w", p.ConfigFile, err)
	}
	if err := os.WriteFile(p.ConfigFile, data, 0o644); err != nil {
		return fmt.Errorf("write project %s: %w", p.ConfigFile, err)
	}
	return nil
}

// CreateEnvironment adds a new environment. Its port is moved past the ports
// already in use.
func (p *Project) CreateEnvironment(typ EnvironmentType) *Environment {
	env := NewEnvironment(typ, p.logger)
	p.checkEnvironmentPort(env)
	p.environments = append(p.environments, env)
	return env
}

func (p *Project) checkEnvironmentPort(env *Environment) {
	used := map[uint16]bool{}
	for _, other := range p.environments {
		used[other.Port] = true
	}
	for used[env.Port] && env.Port < 0xFFFF {
		env.Port++
	}
}

// GetEnvironment finds an environment by case insensitive name.
func (p *Project) GetEnvironment(name string) *Environment {
	for _, env := range p.environments {
		if strings.EqualFold(env.Name, name) {
			return env
		}
	}
	return nil
}

func (p *Project) DeleteEnvironment(name string) {
	p.environments = deleteByName(p.environments, name, func(e *Environment) string { return e.Name })
}

func (p *Project) Environments() []*Environment {
	return p.environments
}

func (p *Project) CreateDatabase(typ DatabaseType) *Database {
	db := NewDatabase(typ, p.logger)
	p.databases = append(p.databases, db)
	return db
}

func (p *Project) GetDatabase(name string) *Database {
	for _, db := range p.databases {
		if strings.EqualFold(db.Name, name) {
			return db
		}
	}
	return nil
}

func (p *Project) DeleteDatabase(name string) {
	p.databases = deleteByName(p.databases, name, func(d *Database) string { return d.Name })
}

func (p *Project) Databases() []*Database {
	return p.databases
}

func (p *Project) CreateSource(typ SourceType) *Source {
	src := NewSource(typ, p.logger)
	p.sources = append(p.sources, src)
	return src
}

func (p *Project) GetSource(name string) *Source {
	for _, src := range p.sources {
		if strings.EqualFold(src.Name, name) {
			return src
		}
	}
	return nil
}

func (p *Project) DeleteSource(name string) {
	p.sources = deleteByName(p.sources, name, func(s *Source) string { return s.Name })
}

func (p *Project) Sources() []*Source {
	return p.sources
}

func (p *Project) CreateDestination(typ DestinationType) *Destination {
	dest := NewDestination(typ, p.logger)
	p.destinations = append(p.destinations, dest)
	return dest
}

func (p *Project) GetDestination(name string) *Destination {
	for _, dest := range p.destinations {
		if strings.EqualFold(dest.Name, name) {
			return dest
		}
	}
	return nil
}

func (p *Project) DeleteDestination(name string) {
	p.destinations = deleteByName(p.destinations, name, func(d *Destination) string { return d.Name })
}

func (p *Project) Destinations() []*Destination {
	return p.destinations
}

func deleteByName[T any](list []T, name string, nameOf func(T) string) []T {
	out := list[:0]
	for _, item := range list {
		if !strings.EqualFold(nameOf(item), name) {
			out = append(out, item)
		}
	}
	for i := len(out); i < len(list); i++ {
		var zero T
		list[i] = zero
	}
	return out
}

func (p *Project) Properties() []BusProperty {
	props := appendSection(nil, "Project")
	props = append(props,
		NewProperty("Name", p.Name),
		NewProperty("Description", p.Description),
		NewProperty("Config file", p.ConfigFile),
		BlankProperty(),
		NewProperty("Environments", itoa(len(p.environments))),
		NewProperty("Databases", itoa(len(p.databases))),
		NewProperty("Sources", itoa(len(p.sources))),
		NewProperty("Destinations", itoa(len(p.destinations))),
	)
	return props
}
