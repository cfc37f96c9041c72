package http

import (
	"html/template"
	"net/http"

	"go.uber.org/zap"
)

type pageData struct {
	Title   string
	Heading string
	Message string
	Success bool
}

var pageTemplate = template.Must(template.New("page").Parse(`<!DOCTYPE html>
<html lang="en">
<head>
    <meta charset="UTF-8">
    <meta name="viewport" content="width=device-width, initial-scale=1.0">
    <title>{{.Title}}</title>
    <style>
        body {
            font-family: -apple-system, BlinkMacSystemFont, 'Segoe UI', Roboto, Oxygen, Ubuntu, Cantarell, sans-serif;
            display: flex;
            justify-content: center;
            align-items: center;
            min-height: 100vh;
            margin: 0;
            background: linear-gradient(135deg, #1f2937 0%, #4b5563 100%);
        }
        .container {
            background: white;
            padding: 3rem;
            border-radius: 10px;
            box-shadow: 0 10px 40px rgba(0,0,0,0.2);
            text-align: center;
            max-width: 400px;
        }
        .icon {
            width: 80px;
            height: 80px;
            margin: 0 auto 1rem;
            border-radius: 50%;
            display: flex;
            align-items: center;
            justify-content: center;
            color: white;
            font-size: 40px;
        }
        .ok { background: #4caf50; }
        .fail { background: #f44336; }
        h1 { color: #333; margin: 0 0 1rem; }
        p { color: #666; margin: 0; line-height: 1.6; }
    </style>
</head>
<body>
    <div class="container">
        {{if .Success}}<div class="icon ok">&#10003;</div>{{else}}<div class="icon fail">&#10007;</div>{{end}}
        <h1>{{.Heading}}</h1>
        <p>{{.Message}}</p>
        <p style="margin-top: 1rem;">You can close this window and return to Telegram.</p>
    </div>
</body>
</html>
`))

// renderSuccess renders a success HTML page
func (h *Handlers) renderSuccess(w http.ResponseWriter) {
	h.renderPage(w, http.StatusOK, pageData{
		Title:   "Account linked",
		Heading: "Account linked!",
		Message: "Your Telegram account is now linked to your community account.",
		Success: true,
	})
}

// renderError renders an error HTML page
func (h *Handlers) renderError(w http.ResponseWriter, status int, title, message string) {
	h.renderPage(w, status, pageData{
		Title:   title,
		Heading: title,
		Message: message,
	})
}

func (h *Handlers) renderPage(w http.ResponseWriter, status int, data pageData) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)
	if err := pageTemplate.Execute(w, data); err != nil {
		h.logger.Error("failed to render page", zap.Error(err))
	}
}
