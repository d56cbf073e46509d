package core

import "fmt"

type Language string

const (
	LangCSharp Language = "csharp"
	LangPython Language = "python"
)

// BuildParams are the container build parameters for one language. Image
// tags are injected as docker build args so one Dockerfile per language
// serves any runtime configuration.
type BuildParams struct {
	EntryFile  string
	SDKImage   string
	BaseImage  string
	RunCommand string
}

var buildParams = map[Language]BuildParams{
	LangCSharp: {
		EntryFile:  "Program.cs",
		SDKImage:   "mcr.microsoft.com/dotnet/sdk:8.0",
		BaseImage:  "mcr.microsoft.com/dotnet/runtime:8.0",
		RunCommand: "dotnet app.dll",
	},
	LangPython: {
		EntryFile:  "main.py",
		SDKImage:   "python:3.12-slim",
		BaseImage:  "python:3.12-slim",
		RunCommand: "python main.py",
	},
}

// ParseLanguage validates and normalizes a language string.
func ParseLanguage(s string) (Language, error) {
	switch Language(s) {
	case LangCSharp, LangPython:
		return Language(s), nil
	}
	return "", fmt.Errorf("unsupported language: %q", s)
}

// Params returns the build parameters for the language. It panics on an
// unknown language; callers hold a validated Language.
func (l Language) Params() BuildParams {
	p, ok := buildParams[l]
	if !ok {
		panic(fmt.Sprintf("no build params for language %q", l))
	}
	return p
}
