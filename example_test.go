package asyncjinja_test

import (
	"context"
	"fmt"
	"strings"

	"github.com/deicod/asyncjinja"
	"github.com/deicod/asyncjinja/runtime"
)

func ExampleEnvironment_GetTemplate() {
	env := asyncjinja.NewEnvironment(runtime.WithLoader(runtime.NewMapLoader(map[string]string{
		"base.html":  `<title>{% block title %}My Site{% endblock %}</title>`,
		"about.html": `{% extends "base.html" %}{% block title %}About - {{ super() }}{% endblock %}`,
	})))

	ctx := context.Background()
	tmpl, err := env.GetTemplate(ctx, "about.html", "", nil)
	if err != nil {
		fmt.Println(err)
		return
	}
	out, err := tmpl.Render(ctx, nil)
	if err != nil {
		fmt.Println(err)
		return
	}
	fmt.Println(out)
	// Output: <title>About - My Site</title>
}

func ExampleEnvironment_import() {
	env := asyncjinja.NewEnvironment(runtime.WithLoader(runtime.NewMapLoader(map[string]string{
		"forms.html":  `{% macro input(name, type="text") %}<input name="{{ name }}" type="{{ type }}">{% endmacro %}`,
		"search.html": `{% import "forms.html" as forms %}{{ forms.input("q") }}{{ forms.input("go", type="submit") }}`,
	})))

	ctx := context.Background()
	tmpl, err := env.GetTemplate(ctx, "search.html", "", nil)
	if err != nil {
		fmt.Println(err)
		return
	}
	out, err := tmpl.Render(ctx, nil)
	if err != nil {
		fmt.Println(err)
		return
	}
	fmt.Println(out)
	// Output: <input name="q" type="text"><input name="go" type="submit">
}

func ExampleNewAsyncEnvironment() {
	env := asyncjinja.NewAsyncEnvironment()
	ctx := context.Background()

	tmpl, err := env.FromString(ctx, `{{ await user | upper }}`, nil)
	if err != nil {
		fmt.Println(err)
		return
	}
	out, err := tmpl.Render(ctx, map[string]interface{}{
		"user": runtime.AwaitFunc(func(ctx context.Context) (interface{}, error) {
			return "ann", nil
		}),
	})
	if err != nil {
		fmt.Println(err)
		return
	}
	fmt.Println(out)
	// Output: ANN
}

func ExampleEnvironment_ListTemplates() {
	env := asyncjinja.NewEnvironment(runtime.WithLoader(runtime.NewPrefixLoader(map[string]runtime.Loader{
		"app":   runtime.NewMapLoader(map[string]string{"index.html": "", "style.css": ""}),
		"admin": runtime.NewMapLoader(map[string]string{"users.html": ""}),
	})))

	names, err := env.ListTemplates(context.Background(), runtime.ListOptions{Extensions: []string{"html"}})
	if err != nil {
		fmt.Println(err)
		return
	}
	fmt.Println(strings.Join(names, "\n"))
	// Output:
	// admin/users.html
	// app/index.html
}
