package funcs

import (
	"context"
	"fmt"
	"io"

	"google.golang.org/genai"
)

// RegisterBuiltins adds the stock demo functions. They exist so a session
// has something callable out of the box; real deployments register their
// own handlers instead.
func RegisterBuiltins(r *Registry, out io.Writer) error {
	if err := r.Register(weatherDecl(), getCurrentWeather); err != nil {
		return err
	}
	return r.Register(linePrinterDecl(), linePrinter(out))
}

func weatherDecl() *genai.FunctionDeclaration {
	return &genai.FunctionDeclaration{
		Name:        "get_current_weather",
		Description: "Returns the current weather.",
		Parameters: &genai.Schema{
			Type: genai.TypeObject,
			Properties: map[string]*genai.Schema{
				"location": {
					Type:        genai.TypeString,
					Description: "The location to get the weather for.",
				},
			},
			Required: []string{"location"},
		},
	}
}

func getCurrentWeather(_ context.Context, args map[string]any) (map[string]any, error) {
	location, err := stringArg(args, "location")
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"status":   "success",
		"response": fmt.Sprintf("The current weather in %s is 72 degrees with scattered thunderstorms.", location),
	}, nil
}

func linePrinterDecl() *genai.FunctionDeclaration {
	return &genai.FunctionDeclaration{
		Name:        "line_printer",
		Description: "Prints a line to the console.",
		Parameters: &genai.Schema{
			Type: genai.TypeObject,
			Properties: map[string]*genai.Schema{
				"line": {
					Type:        genai.TypeString,
					Description: "The line to print.",
				},
			},
			Required: []string{"line"},
		},
	}
}

func linePrinter(out io.Writer) Handler {
	return func(_ context.Context, args map[string]any) (map[string]any, error) {
		line, err := stringArg(args, "line")
		if err != nil {
			return nil, err
		}
		fmt.Fprintf(out, "  :: %s ::\n", line)
		return map[string]any{"status": "success"}, nil
	}
}
