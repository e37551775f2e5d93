package service

import "html/template"

const pageStyle = `
body { font-family: -apple-system, BlinkMacSystemFont, "Segoe UI", sans-serif; background: #0f172a; color: #e2e8f0; margin: 0; }
main { max-width: 880px; margin: 0 auto; padding: 32px 20px; }
h1 { margin: 0; font-size: 28px; }
.subtitle { color: #94a3b8; margin: 4px 0 24px; }
.card { background: #1e293b; border-radius: 10px; padding: 20px; margin-bottom: 20px; }
.meta span { display: inline-block; margin-right: 24px; color: #cbd5e1; }
.preview img, .preview video { max-width: 100%; border-radius: 6px; }
.preview audio { width: 100%; }
.muted { color: #94a3b8; }
input, textarea { width: 100%; box-sizing: border-box; background: #0f172a; color: #e2e8f0; border: 1px solid #334155; border-radius: 6px; padding: 8px; font-family: monospace; }
label { display: block; margin: 12px 0 4px; color: #94a3b8; }
a.button, button { display: inline-block; background: #2563eb; color: #fff; border: 0; border-radius: 6px; padding: 8px 16px; text-decoration: none; cursor: pointer; }
a { color: #60a5fa; }
`

var sharePageTemplate = template.Must(template.New("share").Parse(`<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="utf-8">
<meta name="viewport" content="width=device-width, initial-scale=1">
<title>🌐 ONVM Shared Content</title>
<style>{{.Style}}</style>
</head>
<body>
<main>
<h1>🌐 ONVM Shared Content</h1>
<p class="subtitle">Decentralized Content Delivery Network</p>

<section class="card meta">
<span><strong>ID:</strong> <code title="{{.ID}}">{{.ShortID}}</code></span>
<span><strong>Type:</strong> {{.ContentType}}</span>
<span><strong>Size:</strong> {{.Size}}</span>
</section>

<section class="card preview">
{{- if eq .Kind "image"}}
<img src="{{.Links.Direct}}" alt="ONVM Content">
{{- else if eq .Kind "video"}}
<video src="{{.Links.Direct}}" controls></video>
{{- else if eq .Kind "audio"}}
<audio src="{{.Links.Direct}}" controls></audio>
{{- else}}
<p class="muted">Preview not available for this content type</p>
{{- end}}
<p><a class="button" href="{{.Links.Direct}}?download=1" download="{{.DownloadName}}">Download</a></p>
</section>

<section class="card">
<label for="direct">Direct link</label>
<input id="direct" type="text" readonly value="{{.Links.Direct}}" onclick="this.select()">
<label for="embed">Embed code</label>
<textarea id="embed" rows="3" readonly onclick="this.select()">{{.Links.Embed}}</textarea>
</section>

<p><a href="/">← Back to Explorer</a></p>
</main>
</body>
</html>
`))

var indexPageTemplate = template.Must(template.New("index").Parse(`<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="utf-8">
<meta name="viewport" content="width=device-width, initial-scale=1">
<title>🌐 ONVM Blob Gateway</title>
<style>{{.Style}}</style>
</head>
<body>
<main>
<h1>🌐 ONVM Blob Gateway</h1>
<p class="subtitle">Decentralized Content Delivery Network</p>
<form class="card" method="get" action="/share">
<label for="id">Blob ID</label>
<input id="id" name="id" type="text" placeholder="Enter a Blob ID" value="{{.ID}}" autofocus>
{{- if .Message}}
<p class="muted">{{.Message}}</p>
{{- end}}
<p><button type="submit">View</button></p>
</form>
</main>
</body>
</html>
`))

type sharePageData struct {
	Style        template.CSS
	ID           string
	ShortID      string
	ContentType  string
	Size         string
	Kind         string
	DownloadName string
	Links        struct {
		Direct string
		Embed  string
	}
}

type indexPageData struct {
	Style   template.CSS
	ID      string
	Message string
}
