package panel

import "html/template"

var pageTmpl = template.Must(template.New("page").Parse(`<!doctype html>
<html>
<head>
<meta name="viewport" content="width=device-width, initial-scale=1.0">
<title>pingall</title>
<style>
body { font-family: sans-serif; max-width: 36rem; margin: 3rem auto; padding: 0 1rem; }
.flash { background: #fde8e8; border: 1px solid #f5a3a3; padding: .6rem; border-radius: .4rem; }
.preview { border: 2px dashed #999; padding: .8rem; border-radius: .6rem; margin: 1rem 0; }
.preview img { width: 100%; border-radius: .4rem; }
li { display: flex; justify-content: space-between; padding: .3rem 0; }
input[type=text], input[type=password] { width: 70%; }
</style>
</head>
<body>
{{if .Flash}}<p class="flash">{{.Flash}}</p>{{end}}
{{if not .LoggedIn}}
<h3>Log in</h3>
<form action="/login" method="post">
<input type="password" name="key" placeholder="panel key" required>
<button type="submit">Log in</button>
</form>
{{else}}
<h3>{{.Label}}</h3>
{{if not .HasSink}}<p>No notification chat set yet. Run /setchannel in the chat.</p>{{end}}
{{with .Preview}}
<div class="preview">
<strong>{{.Name}}</strong>
{{if .Title}}<p><a href="{{.URL}}">{{.Title}}</a></p>{{if .Thumbnail}}<img src="{{.Thumbnail}}" alt="">{{end}}
{{else}}<p>No recent upload found.</p>{{end}}
</div>
{{end}}
<form action="/update_format" method="post">
<input type="hidden" name="t" value="{{.Token}}">
<label>Message template (&amp;e, &amp;who, &amp;url, &amp;str)</label><br>
<input type="text" name="format" value="{{.Template}}">
<button type="submit">Save</button>
</form>
<form action="/add" method="post">
<input type="hidden" name="t" value="{{.Token}}">
<input type="text" name="yt_id" placeholder="@handle or channel id" required>
<button type="submit">Add</button>
</form>
<ul>
{{range .Watched}}<li><span>{{.Name}}</span><a href="/delete/{{.ID}}?t={{$.Token}}">remove</a></li>
{{else}}<li>Nothing watched yet.</li>{{end}}
</ul>
<p><a href="/logout">Log out</a></p>
{{end}}
</body>
</html>
`))

type pageData struct {
	LoggedIn bool
	Token    string
	Flash    string
	Label    string
	HasSink  bool
	Template string
	Watched  []watchedRow
	Preview  *Preview
}

type watchedRow struct {
	ID   string
	Name string
}
