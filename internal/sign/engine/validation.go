package engine

import (
	"strings"

	"wc_sign/internal/model"
)

func isValidChain(chain string) bool {
	ns, ref, ok := strings.Cut(chain, ":")
	return ok && ns != "" && ref != "" && !strings.Contains(ref, ":")
}

// validateRequiredNamespaces checks the shape of proposed namespaces.
func validateRequiredNamespaces(required model.RequiredNamespaces, kind string) error {
	for key, ns := range required {
		if key == "" {
			return model.Errorf(model.UnsupportedNSKey, "%s namespace key is empty", kind)
		}
		if strings.Contains(key, ":") {
			if !isValidChain(key) {
				return model.Errorf(model.UnsupportedNSKey, "%s namespace key %q", kind, key)
			}
			if len(ns.Chains) > 0 && (len(ns.Chains) != 1 || ns.Chains[0] != key) {
				return model.Errorf(model.UnsupportedChains, "%s namespace %q lists other chains", kind, key)
			}
			continue
		}
		if len(ns.Chains) == 0 {
			return model.Errorf(model.UnsupportedChains, "%s namespace %q has no chains", kind, key)
		}
		for _, c := range ns.Chains {
			if !isValidChain(c) || model.NamespaceOfChain(c) != key {
				return model.Errorf(model.UnsupportedChains, "%s namespace %q: chain %q", kind, key, c)
			}
		}
	}
	return nil
}

// validateNamespaces checks the shape of granted namespaces.
func validateNamespaces(namespaces model.Namespaces) error {
	if len(namespaces) == 0 {
		return model.ErrorFromType(model.NonConformingNamespaces, "namespaces are empty")
	}
	for key, ns := range namespaces {
		if key == "" || (strings.Contains(key, ":") && !isValidChain(key)) {
			return model.Errorf(model.UnsupportedNSKey, "namespace key %q", key)
		}
		if len(ns.Accounts) == 0 {
			return model.Errorf(model.UnsupportedAccounts, "namespace %q has no accounts", key)
		}
		for _, a := range ns.Accounts {
			chain, _, ok := model.SplitAccount(a)
			if !ok || model.NamespaceOfChain(chain) != model.NamespaceOfChain(key) {
				return model.Errorf(model.UnsupportedAccounts, "namespace %q: account %q", key, a)
			}
		}
		for _, c := range ns.Chains {
			if !isValidChain(c) || model.NamespaceOfChain(c) != model.NamespaceOfChain(key) {
				return model.Errorf(model.UnsupportedChains, "namespace %q: chain %q", key, c)
			}
		}
	}
	return nil
}

// validateConforming checks that namespaces grant everything required asks for.
func validateConforming(required model.RequiredNamespaces, namespaces model.Namespaces) error {
	if err := validateNamespaces(namespaces); err != nil {
		return err
	}
	for key, req := range required {
		granted, ok := namespaces.Find(key)
		if !ok {
			return model.Errorf(model.NonConformingNamespaces, "namespace %q is not granted", key)
		}
		chains := granted.AllChains()
		for _, c := range req.ChainsOf(key) {
			if !contains(chains, c) {
				return model.Errorf(model.UnsupportedChains, "chain %q of %q is not granted", c, key)
			}
			if !hasAccountOn(granted.Accounts, c) {
				return model.Errorf(model.UnsupportedAccounts, "no account on %q", c)
			}
		}
		for _, m := range req.Methods {
			if !contains(granted.Methods, m) {
				return model.Errorf(model.UnsupportedMethods, "method %q of %q is not granted", m, key)
			}
		}
		for _, e := range req.Events {
			if !contains(granted.Events, e) {
				return model.Errorf(model.UnsupportedEvents, "event %q of %q is not granted", e, key)
			}
		}
	}
	return nil
}

func validateRequest(s model.Session, chainID, method string) error {
	ns, ok := s.Namespaces.Find(chainID)
	if !ok || !contains(ns.AllChains(), chainID) {
		return model.Errorf(model.UnauthorizedChain, "%s", chainID)
	}
	if !contains(ns.Methods, method) {
		return model.Errorf(model.UnauthorizedMethod, "%s", method)
	}
	return nil
}

func validateEvent(s model.Session, chainID, event string) error {
	ns, ok := s.Namespaces.Find(chainID)
	if !ok || !contains(ns.AllChains(), chainID) {
		return model.Errorf(model.UnauthorizedChain, "%s", chainID)
	}
	if !contains(ns.Events, event) {
		return model.Errorf(model.UnauthorizedEvent, "%s", event)
	}
	return nil
}

func hasAccountOn(accounts []string, chain string) bool {
	for _, a := range accounts {
		if c, _, ok := model.SplitAccount(a); ok && c == chain {
			return true
		}
	}
	return false
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}
