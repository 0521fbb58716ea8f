package buildpack

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/DiegoStefanini/shipit-sub000/internal/domain"
)

// RecipeFile is the name the generated Dockerfile is written under, so a
// repository's own Dockerfile is left alone.
const RecipeFile = "Dockerfile.shipit"

// Recipe is a rendered Dockerfile plus the port the service listens on.
type Recipe struct {
	Language   domain.Language
	Dockerfile string
	Port       int
}

// Generate maps a language to its recipe. Unknown values get the static recipe.
func Generate(lang domain.Language) Recipe {
	switch lang {
	case domain.LanguageNode:
		return Recipe{Language: lang, Dockerfile: renderNode(3000), Port: 3000}
	case domain.LanguagePython:
		return Recipe{Language: lang, Dockerfile: renderPython(8000), Port: 8000}
	case domain.LanguageRust:
		return Recipe{Language: lang, Dockerfile: renderRust(8080), Port: 8080}
	default:
		return Recipe{Language: domain.LanguageStatic, Dockerfile: renderStatic(), Port: 80}
	}
}

// WriteTo writes the recipe into dir and returns its file name relative to dir.
func (r Recipe) WriteTo(dir string) (string, error) {
	path := filepath.Join(dir, RecipeFile)
	if err := os.WriteFile(path, []byte(r.Dockerfile), 0o644); err != nil {
		return "", fmt.Errorf("write dockerfile: %w", err)
	}
	return RecipeFile, nil
}

func renderNode(port int) string {
	p := strconv.Itoa(port)
	var b strings.Builder
	b.WriteString("# syntax=docker/dockerfile:1\n")
	b.WriteString("FROM node:20-alpine\n")
	b.WriteString("WORKDIR /app\n\n")
	b.WriteString("COPY package*.json ./\n")
	b.WriteString("RUN if [ -f package-lock.json ] || [ -f npm-shrinkwrap.json ]; then npm ci; else npm install; fi\n\n")
	b.WriteString("COPY . ./\n")
	b.WriteString("RUN npm run build --if-present\n")
	b.WriteString("ENV NODE_ENV=production\n")
	b.WriteString("ENV PORT=" + p + "\n")
	b.WriteString("EXPOSE " + p + "\n")
	b.WriteString(`CMD ["npm", "start"]` + "\n")
	return b.String()
}

func renderPython(port int) string {
	p := strconv.Itoa(port)
	var b strings.Builder
	b.WriteString("# syntax=docker/dockerfile:1\n")
	b.WriteString("FROM python:3.12-slim\n")
	b.WriteString("WORKDIR /app\n")
	b.WriteString("ENV PYTHONDONTWRITEBYTECODE=1 PYTHONUNBUFFERED=1\n\n")
	b.WriteString("COPY requirements.txt ./\n")
	b.WriteString("RUN pip install --no-cache-dir -r requirements.txt\n\n")
	b.WriteString("COPY . ./\n")
	b.WriteString("ENV PORT=" + p + "\n")
	b.WriteString("EXPOSE " + p + "\n")
	b.WriteString(`CMD ["sh", "-c", "if [ -f app.py ]; then exec python app.py; else exec python main.py; fi"]` + "\n")
	return b.String()
}

func renderRust(port int) string {
	p := strconv.Itoa(port)
	var b strings.Builder
	b.WriteString("# syntax=docker/dockerfile:1\n")
	b.WriteString("FROM rust:1-slim AS builder\n")
	b.WriteString("WORKDIR /src\n\n")
	b.WriteString("COPY . ./\n")
	b.WriteString("RUN cargo build --release && \\\n")
	b.WriteString("  find target/release -maxdepth 1 -type f -perm -u+x -exec cp {} /server \\;\n\n")
	b.WriteString("FROM debian:bookworm-slim\n")
	b.WriteString("RUN apt-get update && apt-get install -y --no-install-recommends ca-certificates && rm -rf /var/lib/apt/lists/*\n")
	b.WriteString("COPY --from=builder /server /usr/local/bin/server\n")
	b.WriteString("ENV PORT=" + p + "\n")
	b.WriteString("EXPOSE " + p + "\n")
	b.WriteString(`CMD ["/usr/local/bin/server"]` + "\n")
	return b.String()
}

func renderStatic() string {
	var b strings.Builder
	b.WriteString("# syntax=docker/dockerfile:1\n")
	b.WriteString("FROM nginx:alpine\n")
	b.WriteString("COPY . /usr/share/nginx/html\n")
	b.WriteString("RUN rm -rf /usr/share/nginx/html/.git /usr/share/nginx/html/" + RecipeFile + "\n")
	b.WriteString("EXPOSE 80\n")
	return b.String()
}
