package scaffold

import (
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/crucible-run/crucible/internal/core"
)

// Dockerfiles per language. Image tags arrive as build args at docker build
// time; the defaults here only cover a bare `docker build`.
const dockerfilePython = `ARG BASE_IMAGE=python:3.12-slim
FROM ${BASE_IMAGE}
WORKDIR /app
COPY main.py .
CMD ["python", "main.py"]
`

const dockerfileCSharp = `ARG SDK_IMAGE=mcr.microsoft.com/dotnet/sdk:8.0
ARG BASE_IMAGE=mcr.microsoft.com/dotnet/runtime:8.0
FROM ${SDK_IMAGE} AS build
WORKDIR /src
RUN dotnet new console -o app --force
COPY Program.cs app/Program.cs
RUN dotnet publish app -c Release -o /out
FROM ${BASE_IMAGE}
WORKDIR /app
COPY --from=build /out .
ENTRYPOINT ["dotnet", "app.dll"]
`

var dockerfiles = map[core.Language]string{
	core.LangPython: dockerfilePython,
	core.LangCSharp: dockerfileCSharp,
}

// Scaffolder materializes per-task build contexts under a root directory.
// Directories are named by task id, so concurrent tasks never collide.
type Scaffolder struct {
	root string
	log  *zap.Logger
}

func New(root string, log *zap.Logger) *Scaffolder {
	return &Scaffolder{root: root, log: log}
}

// Materialize writes the entry-point file and Dockerfile for one task and
// returns the build context directory.
func (s *Scaffolder) Materialize(uniqueName, sourceCode string, lang core.Language) (string, error) {
	dockerfile, ok := dockerfiles[lang]
	if !ok {
		return "", fmt.Errorf("no build descriptor for language %q", lang)
	}

	dir := filepath.Join(s.root, uniqueName)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("mkdir %s: %w", dir, err)
	}

	entry := filepath.Join(dir, lang.Params().EntryFile)
	if err := os.WriteFile(entry, []byte(sourceCode), 0o644); err != nil {
		os.RemoveAll(dir)
		return "", fmt.Errorf("write %s: %w", entry, err)
	}

	dfPath := filepath.Join(dir, "Dockerfile")
	if err := os.WriteFile(dfPath, []byte(dockerfile), 0o644); err != nil {
		os.RemoveAll(dir)
		return "", fmt.Errorf("write %s: %w", dfPath, err)
	}

	s.log.Debug("build context materialized",
		zap.String("dir", dir),
		zap.String("language", string(lang)),
	)
	return dir, nil
}
