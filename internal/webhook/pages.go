package webhook

import "html/template"

var pages = template.Must(template.New("pages").Parse(`
{{define "confirm"}}<!DOCTYPE html>
<html><head><meta charset="utf-8"><title>{{.Label}}</title></head>
<body>
<p>Do you want to <strong>{{.Label}}</strong> this event?</p>
<form method="POST">
<button type="submit">{{.Label}}</button>
</form>
</body></html>
{{end}}
{{define "result"}}<!DOCTYPE html>
<html><head><meta charset="utf-8"><title>Reminder</title></head>
<body><p>{{.Message}}</p></body></html>
{{end}}
`))
