package conf

import (
	"encoding/json"
	stdErrors "errors"
	"path/filepath"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/ringo-is-a-color/seqproxy/transport/socket"
	"github.com/ringo-is-a-color/seqproxy/util/errors"
	"github.com/ringo-is-a-color/seqproxy/util/ioutil"
	"github.com/tidwall/jsonc"
)

var validate = validator.New()

func init() {
	validate.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := fld.Tag.Get("json")
		if name == "" {
			return strings.ToLower(fld.Name)
		}
		return name
	})
}

func Parse(configFilePath string) (*Config, error) {
	bs, err := ioutil.ReadFile(configFilePath)
	if err != nil {
		return nil, errors.Wrap(err, "error")
	}

	config := Default()
	// comments and trailing commas are allowed
	err = json.Unmarshal(jsonc.ToJSON(bs), config)
	if err != nil {
		return nil, errors.Wrapf(err, "error: %v", configFilePath)
	}
	resolveAllFilePathsToConfigFolder(config, filepath.Dir(configFilePath))

	err = Validate(config)
	if err != nil {
		return nil, errors.Wrapf(err, "error: fail to parse the config file %v", configFilePath)
	}
	return config, nil
}

// FromArgs builds a configuration from the two endpoints alone.
func FromArgs(frontendPath, backendAddr string) (*Config, error) {
	config := Default()
	err := config.Override(frontendPath, backendAddr)
	if err != nil {
		return nil, err
	}
	return config, Validate(config)
}

// Override replaces the endpoints that are not empty.
func (config *Config) Override(frontendPath, backendAddr string) error {
	if frontendPath != "" {
		config.Frontend.Path = frontendPath
	}
	if backendAddr != "" {
		addr, err := ParseBackendAddress(backendAddr)
		if err != nil {
			return err
		}
		config.Backend.Address = addr
	}
	return nil
}

func Validate(config *Config) error {
	err := validate.Struct(config)
	if err == nil {
		return nil
	}
	var errs validator.ValidationErrors
	if !stdErrors.As(err, &errs) || len(errs) == 0 {
		return errors.WithStack(err)
	}
	var validatedError error
	for _, err := range errs {
		fieldName := err.Namespace()[strings.Index(err.Namespace(), ".")+1:]
		validatedError = errors.Join(validatedError, errors.Newf("  the '%v' field should be '%v'", fieldName, fieldRule(err)))
	}
	return validatedError
}

func fieldRule(err validator.FieldError) string {
	if err.Param() == "" {
		return err.ActualTag()
	}
	return err.ActualTag() + "=" + err.Param()
}

func resolveAllFilePathsToConfigFolder(config *Config, configFileFolder string) {
	if config.Frontend.Path != "" {
		config.Frontend.Path = resolveTo(config.Frontend.Path, configFileFolder)
	}
	addr := config.Backend.Address
	if addr != nil && addr.Addr.AddrType == socket.Unix {
		addr.Addr.Path = resolveTo(addr.Addr.Path, configFileFolder)
	}
}

func resolveTo(relativePath string, basePath string) string {
	if filepath.IsAbs(relativePath) {
		return relativePath
	}
	return filepath.Join(basePath, relativePath)
}
