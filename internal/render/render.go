// Package render implements the representations produced inside the server:
// the instance-list table and editor, instance scripts, plaintext dumps and
// the model viewer page.
package render

import (
	"bytes"
	"embed"
	"html/template"
	"math"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/badgermind/scenedav/internal/convert"
	"github.com/badgermind/scenedav/internal/httperr"
	"github.com/badgermind/scenedav/internal/instance"
	"github.com/badgermind/scenedav/internal/logging"
	"github.com/badgermind/scenedav/internal/mediatype"
)

//go:embed templates/*.html
var templateFS embed.FS

var templates = template.Must(template.ParseFS(templateFS, "templates/*.html"))

// Renderers holds the internal handlers and the instance editor.
type Renderers struct {
	runner        *convert.Runner
	scriptConvert string
	validate      *validator.Validate
}

// New returns Renderers that pipe instance scripts through scriptConvert
// using runner.
func New(runner *convert.Runner, scriptConvert string) *Renderers {
	v := validator.New(validator.WithRequiredStructEnabled())
	// Record fields are tab separated and newline terminated.
	if err := v.RegisterValidation("recordfield", func(fl validator.FieldLevel) bool {
		return !strings.ContainsAny(fl.Field().String(), "\t\r\n")
	}); err != nil {
		panic("render: register recordfield validation: " + err.Error())
	}
	return &Renderers{runner: runner, scriptConvert: scriptConvert, validate: v}
}

// Handlers returns the internal handlers keyed by the names conversion
// rules refer to.
func (rs *Renderers) Handlers() map[convert.HandlerName]convert.Renderer {
	return map[convert.HandlerName]convert.Renderer{
		convert.InstanceTable:  convert.RendererFunc(rs.InstanceTable),
		convert.InstanceScript: convert.RendererFunc(rs.InstanceScript),
		convert.PlainText:      convert.RendererFunc(rs.PlainText),
		convert.SceneViewer:    convert.RendererFunc(rs.SceneViewer),
	}
}

type instanceRow struct {
	Index  int
	Model  string
	Shader string
	X      string
	Y      string
	Z      string
}

// InstanceTable renders an instance list as an HTML table with forms to
// add and delete records.
func (rs *Renderers) InstanceTable(w http.ResponseWriter, r *http.Request, t convert.Target, mediaType string) error {
	list, err := loadInstances(t)
	if err != nil {
		return err
	}
	models, err := instance.Models(filepath.Dir(t.FSPath))
	if err != nil {
		return httperr.Wrap(httperr.IOFailure, "cannot list models", err)
	}

	rows := make([]instanceRow, len(list))
	for i, inst := range list {
		rows[i] = instanceRow{
			Index:  i,
			Model:  inst.Model,
			Shader: inst.Shader,
			X:      strconv.FormatFloat(inst.X, 'f', 3, 64),
			Y:      strconv.FormatFloat(inst.Y, 'f', 3, 64),
			Z:      strconv.FormatFloat(inst.Z, 'f', 3, 64),
		}
	}

	return writeTemplate(w, r, "instances.html", mediaType, map[string]any{
		"Title":   path.Base(t.RelPath),
		"Action":  r.URL.Path,
		"Rows":    rows,
		"Models":  models,
		"Shaders": instance.Shaders,
	})
}

// InstanceScript sorts the records of an instance list by shader and model
// and feeds them as script statements to the script converter, whose output
// is the response. The 64-bit binary target adds --pointer-size=64.
func (rs *Renderers) InstanceScript(w http.ResponseWriter, r *http.Request, t convert.Target, mediaType string) error {
	list, err := loadInstances(t)
	if err != nil {
		return err
	}
	instance.SortForScript(list)

	var script bytes.Buffer
	if err := instance.WriteScript(&script, list); err != nil {
		return httperr.Wrap(httperr.Internal, "cannot build script", err)
	}

	var args []string
	if strings.EqualFold(mediaType, mediatype.SceneBinary64) {
		args = append(args, "--pointer-size=64")
	}
	return rs.runner.Stream(r.Context(), w, convert.Command{
		Path:  rs.scriptConvert,
		Args:  args,
		Stdin: &script,
	}, mediaType)
}

// PlainText writes the well-formed records of an instance list in their
// canonical stored form.
func (rs *Renderers) PlainText(w http.ResponseWriter, r *http.Request, t convert.Target, mediaType string) error {
	list, err := loadInstances(t)
	if err != nil {
		return err
	}
	var buf bytes.Buffer
	if err := instance.Format(&buf, list); err != nil {
		return httperr.Wrap(httperr.Internal, "cannot format instances", err)
	}
	return writeBody(w, r, mediaType, buf.Bytes())
}

// SceneViewer writes the page hosting the client-side model viewer. The
// viewer fetches the model's JSON representation itself.
func (rs *Renderers) SceneViewer(w http.ResponseWriter, r *http.Request, t convert.Target, mediaType string) error {
	return writeTemplate(w, r, "viewer.html", mediaType, map[string]any{
		"Title":   path.Base(t.RelPath),
		"DataURL": r.URL.Path + "?media-type=" + mediatype.JSON,
	})
}

// addForm is the instance editor's add request.
type addForm struct {
	Model  string `validate:"required,recordfield"`
	Shader string `validate:"required,recordfield"`
}

// EditInstances applies a form POST to the instance list at t: "add" with
// model, shader and x/y/z appends a record, "delete" with a record index
// removes one. The list is saved and the client redirected back with 303.
func (rs *Renderers) EditInstances(w http.ResponseWriter, r *http.Request, t convert.Target) error {
	if err := r.ParseForm(); err != nil {
		return httperr.Wrap(httperr.ValidationFailed, "Malformed form data", err)
	}
	list, err := loadInstances(t)
	if err != nil {
		return err
	}

	log := logging.WithContext(r.Context()).With(zap.String("path", t.RelPath))

	switch {
	case r.PostForm.Has("delete"):
		idx, err := strconv.Atoi(r.PostForm.Get("delete"))
		if err != nil {
			return httperr.Wrap(httperr.ValidationFailed, "Invalid instance index", err)
		}
		if list, err = instance.Remove(list, idx); err != nil {
			return httperr.Wrap(httperr.ValidationFailed, "Invalid instance index", err)
		}
		log.Info("instance deleted", zap.Int("index", idx))

	case r.PostForm.Has("add"):
		inst, err := rs.parseAdd(r)
		if err != nil {
			return err
		}
		list = append(list, inst)
		log.Info("instance added",
			zap.String("model", inst.Model),
			zap.String("shader", inst.Shader))

	default:
		return httperr.New(httperr.ValidationFailed, "Expected add or delete")
	}

	if err := instance.Save(t.FSPath, list); err != nil {
		return httperr.Wrap(httperr.IOFailure, "Could not create updated instance file", err)
	}

	w.Header().Set("Location", r.URL.RequestURI())
	w.WriteHeader(http.StatusSeeOther)
	return nil
}

func (rs *Renderers) parseAdd(r *http.Request) (instance.Instance, error) {
	var coords [3]float64
	for i, key := range []string{"x", "y", "z"} {
		v, err := strconv.ParseFloat(strings.TrimSpace(r.PostForm.Get(key)), 64)
		if err != nil || math.IsNaN(v) || math.IsInf(v, 0) {
			return instance.Instance{}, httperr.New(httperr.ValidationFailed, "Invalid X/Y/Z coordinates.  Must be numeric")
		}
		coords[i] = v
	}

	form := addForm{
		Model:  r.PostForm.Get("model"),
		Shader: r.PostForm.Get("shader"),
	}
	if err := rs.validate.Struct(form); err != nil {
		return instance.Instance{}, httperr.Wrap(httperr.ValidationFailed, "Invalid model or shader", err)
	}

	return instance.Instance{
		Model:  form.Model,
		Shader: form.Shader,
		X:      coords[0],
		Y:      coords[1],
		Z:      coords[2],
	}, nil
}

func loadInstances(t convert.Target) ([]instance.Instance, error) {
	list, err := instance.Load(t.FSPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, httperr.Wrap(httperr.NotFound, "Not Found", err)
		}
		return nil, httperr.Wrap(httperr.IOFailure, "cannot read instance list", err)
	}
	return list, nil
}

func writeTemplate(w http.ResponseWriter, r *http.Request, name, mediaType string, data any) error {
	var buf bytes.Buffer
	if err := templates.ExecuteTemplate(&buf, name, data); err != nil {
		return httperr.Wrap(httperr.Internal, "cannot render page", err)
	}
	return writeBody(w, r, mediaType, buf.Bytes())
}

// writeBody commits the response; after WriteHeader only the client can
// fail, so write errors are logged rather than returned.
func writeBody(w http.ResponseWriter, r *http.Request, mediaType string, body []byte) error {
	h := w.Header()
	h.Set("Content-Type", mediaType)
	h.Set("Content-Length", strconv.Itoa(len(body)))
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(body); err != nil {
		logging.WithContext(r.Context()).Debug("rendered body write failed", zap.Error(err))
	}
	return nil
}
